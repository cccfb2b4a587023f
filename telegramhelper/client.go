// Package telegramhelper connects the archiver to Telegram through TDLib:
// client initialization and authentication, plus the adapter implementing
// the transport interfaces.
package telegramhelper

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zelenin/go-tdlib/client"

	"github.com/mediavault/telegram-media-archiver/common"
)

// TDLibClient is the slice of the TDLib client API the archiver uses.
// Tests substitute a mock; production uses *client.Client.
type TDLibClient interface {
	GetChat(req *client.GetChatRequest) (*client.Chat, error)
	GetChatHistory(req *client.GetChatHistoryRequest) (*client.Messages, error)
	GetMessage(req *client.GetMessageRequest) (*client.Message, error)
	GetMessages(req *client.GetMessagesRequest) (*client.Messages, error)
	DownloadFile(req *client.DownloadFileRequest) (*client.File, error)
	GetMe() (*client.User, error)
	Close() (*client.Ok, error)
}

// TelegramService abstracts client initialization so the authentication
// flow can be mocked in tests.
type TelegramService interface {
	// InitializeClient creates and authenticates a TDLib client using the
	// run configuration. Credentials come from the config with environment
	// variable fallbacks (TG_API_ID, TG_API_HASH, TG_PHONE_NUMBER).
	InitializeClient(cfg *common.ArchiverConfig) (TDLibClient, error)

	// GetMe retrieves the authenticated user, verifying the session works.
	GetMe(libClient TDLibClient) (*client.User, error)
}

// RealTelegramService implements TelegramService against TDLib.
type RealTelegramService struct{}

// SetupAuth exports the phone number and one-time code as environment
// variables for the CLI interactor to pick up during the authentication
// flow. Empty values are left alone so existing variables survive.
func SetupAuth(phoneNumber, phoneCode string) {
	if phoneNumber != "" {
		os.Setenv("TG_PHONE_NUMBER", phoneNumber)
		log.Debug().
			Str("phone_number_masked", maskPhoneNumber(phoneNumber)).
			Msg("Set TG_PHONE_NUMBER environment variable for authentication")
	}
	if phoneCode != "" {
		os.Setenv("TG_PHONE_CODE", phoneCode)
		log.Debug().Msg("Set TG_PHONE_CODE environment variable for authentication")
	}
}

// maskPhoneNumber hides most digits of a phone number for security in logs
func maskPhoneNumber(phoneNumber string) string {
	if len(phoneNumber) <= 4 {
		return "***"
	}
	visiblePrefix := 3
	if len(phoneNumber) > 10 {
		visiblePrefix = 4
	}
	masked := phoneNumber[:visiblePrefix]
	for i := visiblePrefix; i < len(phoneNumber)-2; i++ {
		masked += "*"
	}
	masked += phoneNumber[len(phoneNumber)-2:]
	return masked
}

// InitializeClient creates and authenticates a TDLib client. The session
// database lives under cfg.SessionDir, so subsequent runs skip the
// interactive login.
func (s *RealTelegramService) InitializeClient(cfg *common.ArchiverConfig) (TDLibClient, error) {
	apiID := cfg.APIID
	apiHash := cfg.APIHash
	phoneNumber := cfg.Phone

	if apiID == 0 {
		idStr := os.Getenv("TG_API_ID")
		parsed, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("api_id not configured and TG_API_ID unusable: %w", err)
		}
		apiID = int32(parsed)
	}
	if apiHash == "" {
		apiHash = os.Getenv("TG_API_HASH")
	}
	if phoneNumber == "" {
		phoneNumber = os.Getenv("TG_PHONE_NUMBER")
	}

	dbDir := filepath.Join(cfg.SessionDir, "database")
	filesDir := filepath.Join(cfg.SessionDir, "files")
	os.MkdirAll(dbDir, 0o755)
	os.MkdirAll(filesDir, 0o755)
	log.Info().Str("database_dir", dbDir).Msg("Using TDLib database directory")

	authorizer := client.ClientAuthorizer()
	authorizer.TdlibParameters <- &client.SetTdlibParametersRequest{
		UseTestDc:           false,
		DatabaseDirectory:   dbDir,
		FilesDirectory:      filesDir,
		UseFileDatabase:     true,
		UseChatInfoDatabase: true,
		UseMessageDatabase:  true,
		UseSecretChats:      false,
		ApiId:               apiID,
		ApiHash:             apiHash,
		SystemLanguageCode:  "en",
		DeviceModel:         "Server",
		SystemVersion:       "1.0.0",
		ApplicationVersion:  "1.0.0",
	}

	SetupAuth(phoneNumber, os.Getenv("TG_PHONE_CODE"))
	go client.CliInteractor(authorizer)

	clientReady := make(chan *client.Client)
	errChan := make(chan error)

	go func() {
		tdlibClient, err := client.NewClient(authorizer)
		if err != nil {
			errChan <- fmt.Errorf("failed to initialize TDLib client: %w", err)
			return
		}
		verb := client.SetLogVerbosityLevelRequest{NewVerbosityLevel: int32(cfg.TDLibVerbosity)}
		tdlibClient.SetLogVerbosityLevel(&verb)
		clientReady <- tdlibClient
	}()

	select {
	case tdlibClient := <-clientReady:
		log.Info().Msg("Client initialized successfully")
		return tdlibClient, nil
	case err := <-errChan:
		return nil, err
	case <-time.After(30 * time.Second):
		return nil, fmt.Errorf("timeout initializing TDLib client")
	}
}

// GetMe retrieves the authenticated Telegram user
func (s *RealTelegramService) GetMe(tdlibClient TDLibClient) (*client.User, error) {
	user, err := tdlibClient.GetMe()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve authenticated user: %w", err)
	}
	log.Info().Msgf("Logged in as: %s %s", user.FirstName, user.LastName)
	return user, nil
}

// GenCode initializes the TDLib client interactively and verifies the
// session, so headless runs can reuse the stored database afterwards.
func GenCode(service TelegramService, cfg *common.ArchiverConfig) {
	tdclient, err := service.InitializeClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize TDLib client")
		return
	}
	defer func() {
		if tdclient != nil {
			tdclient.Close()
		}
	}()

	user, err := service.GetMe(tdclient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to retrieve user information")
		return
	}
	log.Info().Msgf("Authenticated as: %s %s", user.FirstName, user.LastName)
}
