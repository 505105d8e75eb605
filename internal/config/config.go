// Package config provides functionality for managing configuration options
// for the kiosk using command-line flags, a JSON (with comments) config
// file, a .env file and environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
)

// Duration is a time.Duration that reads "5s"-style strings from JSON.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or integer nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer: %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// D returns the time.Duration value.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MQTT configures the publish/subscribe gate transport.
type MQTT struct {
	// Broker is host or host:port of the MQTT broker; empty disables the bus.
	Broker      string `json:"broker"`
	GateTopic   string `json:"gate_topic"`
	StatusTopic string `json:"status_topic"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

// Serial configures the byte-stream gate transport.
type Serial struct {
	// Port is tried before enumerated ports; may be empty.
	Port string `json:"port"`
	Baud int    `json:"baud"`
	// Hints are case-insensitive substrings matched against port product
	// descriptions when probing.
	Hints []string `json:"hints"`
}

// Options holds the configuration values for the application.
type Options struct {
	// Addr defines the admin/status API listening address (ip:port).
	Addr string `json:"addr"`
	// Store selects the ticket store: "postgres" or "memory".
	Store string `json:"store"`
	// DatabaseDSN holds the database connection string for the application.
	DatabaseDSN string `json:"database_dsn"`
	// Config is the path to the Config file.
	Config   string `json:"-"`
	LogLevel string `json:"log_level"`

	DataDir  string `json:"data_dir"`
	FacesDir string `json:"faces_dir"`
	KeyFile  string `json:"key_file"`
	AuditLog string `json:"audit_log"`

	CameraURL      string  `json:"camera_url"`
	ExtractorURL   string  `json:"extractor_url"`
	EmbeddingDim   int     `json:"embedding_dim"`
	MatchThreshold float64 `json:"match_threshold"`
	// Mode is "auto", "face" or "qr".
	Mode string `json:"mode"`

	PollInterval       Duration `json:"poll_interval"`
	RetriggerWindow    Duration `json:"retrigger_window"`
	DisplayResetWindow Duration `json:"display_reset_window"`
	InactivityTimeout  Duration `json:"inactivity_timeout"`
	SweepInterval      Duration `json:"sweep_interval"`
	SweepMaxAge        Duration `json:"sweep_max_age"`
	ReconnectInterval  Duration `json:"reconnect_interval"`
	SendTimeout        Duration `json:"send_timeout"`

	MQTT   MQTT   `json:"mqtt"`
	Serial Serial `json:"serial"`

	// AdminPINHash is a bcrypt hash; AdminPIN is hashed at startup when
	// no hash is configured.
	AdminPINHash  string   `json:"admin_pin_hash"`
	AdminPIN      string   `json:"admin_pin"`
	JWTSigningKey string   `json:"jwt_signing_key"`
	AdminTokenTTL Duration `json:"admin_token_ttl"`

	RedisURL     string   `json:"redis_url"`
	KafkaBrokers []string `json:"kafka_brokers"`
	AuditTopic   string   `json:"audit_topic"`
}

// Default returns options with the kiosk's built-in defaults.
func Default() *Options {
	return &Options{
		Addr:               "localhost:8080",
		Store:              "postgres",
		Config:             "config.json",
		LogLevel:           "info",
		DataDir:            "data",
		CameraURL:          "http://localhost:8081/snapshot.jpg",
		ExtractorURL:       "http://localhost:8090/v1/embeddings",
		EmbeddingDim:       128,
		MatchThreshold:     0.45,
		Mode:               "auto",
		PollInterval:       Duration(30 * time.Millisecond),
		RetriggerWindow:    Duration(5 * time.Second),
		DisplayResetWindow: Duration(10 * time.Second),
		InactivityTimeout:  Duration(120 * time.Second),
		SweepInterval:      Duration(6 * time.Hour),
		SweepMaxAge:        Duration(24 * time.Hour),
		ReconnectInterval:  Duration(10 * time.Second),
		SendTimeout:        Duration(2 * time.Second),
		MQTT: MQTT{
			Broker:      "localhost:1883",
			GateTopic:   "kiosk/gate",
			StatusTopic: "kiosk/status",
		},
		Serial: Serial{
			Port:  "/dev/ttyUSB0",
			Baud:  9600,
			Hints: []string{"USB", "ESP", "CP210", "CH340"},
		},
		AdminTokenTTL: Duration(5 * time.Minute),
		AuditTopic:    "kiosk.audit",
	}
}

// Parse parses the command-line flags and environment variables to set
// configuration values. Precedence: flags, then the config file, then
// .env and process environment.
func Parse(args []string) (*Options, error) {
	options := Default()

	flags := pflag.NewFlagSet("kiosk", pflag.ContinueOnError)
	flags.StringVarP(&options.Addr, "addr", "a", options.Addr, "run admin API on ip:port")
	flags.StringVarP(&options.DatabaseDSN, "dsn", "d", options.DatabaseDSN, "db address")
	flags.StringVar(&options.Store, "store", options.Store, "ticket store: postgres or memory")
	flags.StringVarP(&options.Config, "config", "c", options.Config, "path to config file")
	flags.StringVar(&options.LogLevel, "log-level", options.LogLevel, "log level")
	flags.StringVar(&options.DataDir, "data-dir", options.DataDir, "directory for templates, keys and audit log")
	flags.StringVar(&options.CameraURL, "camera-url", options.CameraURL, "snapshot URL of the kiosk camera")
	flags.StringVar(&options.ExtractorURL, "extractor-url", options.ExtractorURL, "face embedding service endpoint")
	flags.Float64Var(&options.MatchThreshold, "threshold", options.MatchThreshold, "maximum face distance for a match")
	flags.StringVar(&options.Mode, "mode", options.Mode, "identification mode: auto, face or qr")
	flags.StringVar(&options.MQTT.Broker, "mqtt-broker", options.MQTT.Broker, "MQTT broker host:port, empty to disable")
	flags.StringVar(&options.Serial.Port, "serial-port", options.Serial.Port, "preferred serial port")
	flags.StringVar(&options.RedisURL, "redis-url", options.RedisURL, "redis URL for the shared replay guard")
	flags.StringSliceVar(&options.KafkaBrokers, "kafka-brokers", options.KafkaBrokers, "kafka seed brokers for audit events")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	// Override flags with environment variables if set
	if configPath := os.Getenv("CONFIG"); configPath != "" {
		options.Config = configPath
	}

	if options.Config != "" {
		if err := loadFile(options.Config, options); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(options)
	options.fillPaths()

	if err := options.Validate(); err != nil {
		return nil, err
	}
	return options, nil
}

func loadFile(path string, options *Options) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error while reading config file: %w", err)
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), options); err != nil {
		return fmt.Errorf("error while parsing config file: %w", err)
	}
	return nil
}

func applyEnv(options *Options) {
	str := map[string]*string{
		"KIOSK_ADDR":          &options.Addr,
		"DATABASE_DSN":        &options.DatabaseDSN,
		"KIOSK_STORE":         &options.Store,
		"KIOSK_DATA_DIR":      &options.DataDir,
		"KIOSK_CAMERA_URL":    &options.CameraURL,
		"KIOSK_EXTRACTOR_URL": &options.ExtractorURL,
		"KIOSK_MODE":          &options.Mode,
		"MQTT_BROKER":         &options.MQTT.Broker,
		"SERIAL_PORT":         &options.Serial.Port,
		"ADMIN_PIN":           &options.AdminPIN,
		"ADMIN_PIN_HASH":      &options.AdminPINHash,
		"JWT_SIGNING_KEY":     &options.JWTSigningKey,
		"REDIS_URL":           &options.RedisURL,
		"LOG_LEVEL":           &options.LogLevel,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("FACE_MATCH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			options.MatchThreshold = f
		}
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		options.KafkaBrokers = strings.Split(v, ",")
	}
}

func (o *Options) fillPaths() {
	if o.FacesDir == "" {
		o.FacesDir = filepath.Join(o.DataDir, "faces")
	}
	if o.KeyFile == "" {
		o.KeyFile = filepath.Join(o.DataDir, ".encryption_key")
	}
	if o.AuditLog == "" {
		o.AuditLog = filepath.Join(o.DataDir, "audit.log")
	}
}

// Validate rejects option combinations the kiosk cannot run with.
func (o *Options) Validate() error {
	var errs []error
	switch o.Store {
	case "postgres":
		if o.DatabaseDSN == "" {
			errs = append(errs, errors.New("database dsn is required for the postgres store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", o.Store))
	}
	switch o.Mode {
	case "auto", "face", "qr":
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", o.Mode))
	}
	if o.MatchThreshold <= 0 || o.MatchThreshold >= 1 {
		errs = append(errs, fmt.Errorf("match threshold %v out of (0,1)", o.MatchThreshold))
	}
	if o.EmbeddingDim <= 0 {
		errs = append(errs, errors.New("embedding dim must be positive"))
	}
	if o.PollInterval <= 0 || o.RetriggerWindow <= 0 || o.DisplayResetWindow < o.RetriggerWindow {
		errs = append(errs, errors.New("poll interval and cooldown windows must be positive, display reset >= retrigger"))
	}
	if o.AdminPIN == "" && o.AdminPINHash == "" {
		errs = append(errs, errors.New("admin pin or pin hash is required"))
	}
	if o.JWTSigningKey == "" {
		errs = append(errs, errors.New("jwt signing key is required"))
	}
	return errors.Join(errs...)
}
