// Package config loads the uplink settings from the transmit ini file with
// JANUSWM_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is the transmit configuration file on the device.
const DefaultPath = "/opt/Janus/WM/config/transmit.ini"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var (
	reSerialPort = regexp.MustCompile(`^/dev/(tty[a-zA-Z0-9]+|serial[a-zA-Z0-9/]+)$`)
	reAPN        = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,100}$`)
)

// ExecutionIntervals are the allowed batch intervals in minutes.
var ExecutionIntervals = []int{60, 120, 180, 240, 360, 480, 720, 1440}

// Config is the complete uplink configuration.
type Config struct {
	Cellular Cellular
	Transmit Transmit
	Paths    Paths
	Server   Server
	Logging  Logging
}

// Cellular describes the modem and the collection server.
type Cellular struct {
	Modem    string
	APN      string
	Address  string
	Port     int
	Attempts int

	Device      string
	Baud        int
	ReadTimeout time.Duration
	ResetPin    int
	// BringUpAttempts of zero selects the modem family default.
	BringUpAttempts  int
	SessionTimeout   time.Duration
	StopModemManager bool
}

// Transmit holds scheduling settings.
type Transmit struct {
	// ExecutionInterval is the batch period in minutes.
	ExecutionInterval int
}

// Interval returns the batch period.
func (t Transmit) Interval() time.Duration {
	return time.Duration(t.ExecutionInterval) * time.Minute
}

// Paths locates the transmit queue and the logs copied into it.
type Paths struct {
	TransmitDir string
	LogDirs     []string
	LogHistory  int
}

// Server is the listen address of the status API.
type Server struct {
	Host string
	Port int
}

// Addr returns host:port.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Logging selects the log sink.
type Logging struct {
	Journal bool
	Level   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cellular_configuration.transmission_attempts", 3)
	v.SetDefault("cellular_configuration.modem", "sim800")
	v.SetDefault("cellular_configuration.apn", "fast.t-mobile.com")
	v.SetDefault("cellular_configuration.address", "198.13.81.243")
	v.SetDefault("cellular_configuration.port", 4440)
	v.SetDefault("cellular_configuration.device", "/dev/ttyAMA0")
	v.SetDefault("cellular_configuration.baud", 115200)
	v.SetDefault("cellular_configuration.read_timeout", "1s")
	v.SetDefault("cellular_configuration.reset_pin", 22)
	v.SetDefault("cellular_configuration.bring_up_attempts", 0)
	v.SetDefault("cellular_configuration.session_timeout", "0s")
	v.SetDefault("cellular_configuration.stop_modemmanager", true)
	v.SetDefault("transmit_settings.execution_interval", 60)
	v.SetDefault("paths.transmit_dir", "/opt/Janus/WM/transmit/")
	v.SetDefault("paths.log_dirs", "/var/log/JanusWM/januswm-capture,/var/log/JanusWM/januswm-transmit")
	v.SetDefault("paths.log_history", 3)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 6011)
	v.SetDefault("logging.journal", false)
	v.SetDefault("logging.level", "info")
}

// Load reads path (DefaultPath when empty) and applies environment
// overrides. A missing default file is not an error; a missing explicit file
// is. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("JANUSWM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// The HAL services share HAL_HOST/HAL_PORT.
	_ = v.BindEnv("server.host", "JANUSWM_SERVER_HOST", "HAL_HOST")
	_ = v.BindEnv("server.port", "JANUSWM_SERVER_PORT", "HAL_PORT")

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := &Config{
		Cellular: Cellular{
			Modem:            strings.ToLower(strings.TrimSpace(v.GetString("cellular_configuration.modem"))),
			APN:              v.GetString("cellular_configuration.apn"),
			Address:          v.GetString("cellular_configuration.address"),
			Port:             v.GetInt("cellular_configuration.port"),
			Attempts:         v.GetInt("cellular_configuration.transmission_attempts"),
			Device:           v.GetString("cellular_configuration.device"),
			Baud:             v.GetInt("cellular_configuration.baud"),
			ReadTimeout:      v.GetDuration("cellular_configuration.read_timeout"),
			ResetPin:         v.GetInt("cellular_configuration.reset_pin"),
			BringUpAttempts:  v.GetInt("cellular_configuration.bring_up_attempts"),
			SessionTimeout:   v.GetDuration("cellular_configuration.session_timeout"),
			StopModemManager: v.GetBool("cellular_configuration.stop_modemmanager"),
		},
		Transmit: Transmit{
			ExecutionInterval: v.GetInt("transmit_settings.execution_interval"),
		},
		Paths: Paths{
			TransmitDir: v.GetString("paths.transmit_dir"),
			LogDirs:     splitList(v.GetString("paths.log_dirs")),
			LogHistory:  v.GetInt("paths.log_history"),
		},
		Server: Server{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Logging: Logging{
			Journal: v.GetBool("logging.journal"),
			Level:   v.GetString("logging.level"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, filepath.Clean(p))
		}
	}
	return out
}

func invalid(key, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, key, fmt.Sprintf(format, args...))
}

// Validate checks every setting the uplink depends on.
func (c *Config) Validate() error {
	cell := c.Cellular
	switch cell.Modem {
	case "sim800", "sim5320":
	default:
		return invalid("cellular_configuration.modem", "unsupported modem %q (sim800 or sim5320)", cell.Modem)
	}
	if cell.Attempts < 1 {
		return invalid("cellular_configuration.transmission_attempts", "must be at least 1, got %d", cell.Attempts)
	}
	if cell.APN == "" || !reAPN.MatchString(cell.APN) {
		return invalid("cellular_configuration.apn", "invalid APN %q", cell.APN)
	}
	if cell.Address == "" {
		return invalid("cellular_configuration.address", "server address is required")
	}
	if cell.Port < 1 || cell.Port > 65535 {
		return invalid("cellular_configuration.port", "must be 1-65535, got %d", cell.Port)
	}
	if filepath.Clean(cell.Device) != cell.Device || !reSerialPort.MatchString(cell.Device) {
		return invalid("cellular_configuration.device", "invalid serial port %q (must be /dev/tty* or /dev/serial*)", cell.Device)
	}
	if cell.Baud <= 0 {
		return invalid("cellular_configuration.baud", "must be positive, got %d", cell.Baud)
	}
	if cell.ReadTimeout <= 0 {
		return invalid("cellular_configuration.read_timeout", "must be positive, got %s", cell.ReadTimeout)
	}
	if cell.ResetPin < 0 || cell.ResetPin > 27 {
		return invalid("cellular_configuration.reset_pin", "must be 0-27, got %d", cell.ResetPin)
	}
	if cell.BringUpAttempts < 0 {
		return invalid("cellular_configuration.bring_up_attempts", "must not be negative, got %d", cell.BringUpAttempts)
	}
	if cell.SessionTimeout < 0 {
		return invalid("cellular_configuration.session_timeout", "must not be negative, got %s", cell.SessionTimeout)
	}

	validInterval := false
	for _, m := range ExecutionIntervals {
		if c.Transmit.ExecutionInterval == m {
			validInterval = true
			break
		}
	}
	if !validInterval {
		return invalid("transmit_settings.execution_interval", "%d is not one of %v", c.Transmit.ExecutionInterval, ExecutionIntervals)
	}

	if c.Paths.TransmitDir == "" {
		return invalid("paths.transmit_dir", "transmit directory is required")
	}
	if c.Paths.LogHistory < 0 {
		return invalid("paths.log_history", "must not be negative, got %d", c.Paths.LogHistory)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("server.port", "must be 1-65535, got %d", c.Server.Port)
	}
	return nil
}
