package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"roomcall/internal/domain"
)

// DefaultICEServer is used when ROOMCALL_ICE_SERVERS is unset.
const DefaultICEServer = "stun:stun.l.google.com:19302"

// Config holds the peer configuration.
type Config struct {
	RelayURL   string
	Room       domain.RoomID
	ICEServers []domain.ICEServer
	// MediaFile is an H264 Annex-B file to send. Empty sends no video.
	MediaFile string
	// VideoOut is where remote H264 is written: "-" for stdout, a path, or
	// empty to discard it.
	VideoOut    string
	FPS         int
	AutoCall    bool
	MetricsAddr string
	Log         Log
}

// Log holds the logging settings shared by both binaries.
type Log struct {
	Level  string
	Pretty bool
}

// Relay holds the relay server configuration.
type Relay struct {
	Addr string
	Log  Log
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	relayURL := os.Getenv("ROOMCALL_RELAY_URL")
	if relayURL == "" {
		return nil, fmt.Errorf("ROOMCALL_RELAY_URL environment variable is required")
	}

	room := os.Getenv("ROOMCALL_ROOM")
	if room == "" {
		return nil, fmt.Errorf("ROOMCALL_ROOM environment variable is required")
	}

	fps, err := intEnv("ROOMCALL_FPS", 30)
	if err != nil {
		return nil, err
	}
	if fps <= 0 {
		return nil, fmt.Errorf("ROOMCALL_FPS must be positive, got %d", fps)
	}

	autoCall, err := boolEnv("ROOMCALL_AUTO_CALL")
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLog()
	if err != nil {
		return nil, err
	}

	return &Config{
		RelayURL:    relayURL,
		Room:        domain.RoomID(room),
		ICEServers:  iceServers(),
		MediaFile:   os.Getenv("ROOMCALL_MEDIA_FILE"),
		VideoOut:    os.Getenv("ROOMCALL_VIDEO_OUT"),
		FPS:         fps,
		AutoCall:    autoCall,
		MetricsAddr: os.Getenv("ROOMCALL_METRICS_ADDR"),
		Log:         logCfg,
	}, nil
}

// LoadRelay reads the relay configuration the same way Load does.
func LoadRelay() (*Relay, error) {
	_ = godotenv.Load()

	addr := os.Getenv("ROOMRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	logCfg, err := loadLog()
	if err != nil {
		return nil, err
	}

	return &Relay{Addr: addr, Log: logCfg}, nil
}

func loadLog() (Log, error) {
	pretty, err := boolEnv("ROOMCALL_LOG_PRETTY")
	if err != nil {
		return Log{}, err
	}
	return Log{Level: os.Getenv("ROOMCALL_LOG_LEVEL"), Pretty: pretty}, nil
}

// iceServers parses the comma separated URL list. All URLs share one
// username and credential, which only TURN servers use.
func iceServers() []domain.ICEServer {
	raw, ok := os.LookupEnv("ROOMCALL_ICE_SERVERS")
	if !ok {
		raw = DefaultICEServer
	}

	var urls []string
	for _, u := range strings.Split(raw, ",") {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 {
		return nil
	}

	return []domain.ICEServer{{
		URLs:       urls,
		Username:   os.Getenv("ROOMCALL_ICE_USERNAME"),
		Credential: os.Getenv("ROOMCALL_ICE_CREDENTIAL"),
	}}
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
