// Package config loads and validates the framework settings.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/WhileEndless/go-elements/pkg/errors"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Settings holds the tunables the HTTP machinery treats as supplied
// constants. Zero values fall back to the defaults below during Validate.
type Settings struct {
	// ServerName is the value of the Server response header.
	ServerName string `yaml:"server_name"`

	// MaxRequestLength caps the request-line scan, in bytes.
	MaxRequestLength int `yaml:"http_max_request_length"`

	// MaxHeadersLength caps the header-block scan, in bytes.
	MaxHeadersLength int `yaml:"http_max_headers_length"`

	// MaxUploadSize is the per-file-part byte ceiling. 0 means unlimited.
	MaxUploadSize int64 `yaml:"http_max_upload_size"`

	// UploadBufferSize is the buffered byte count at which a streaming
	// multipart part is flushed to its temp file.
	UploadBufferSize int `yaml:"http_upload_buffer_size"`

	// UploadDir is the directory receiving upload temp files.
	UploadDir string `yaml:"http_upload_dir"`

	// GMTOffset is appended to the GMT marker in cookie expiry stamps.
	GMTOffset string `yaml:"http_gmt_offset"`

	// MaxConnections bounds simultaneous accepted connections. 0 means
	// unbounded.
	MaxConnections int `yaml:"max_connections"`

	// ReadTimeout and WriteTimeout apply per socket operation. 0 disables
	// the deadline.
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// Default returns the stock settings.
func Default() Settings {
	return Settings{
		ServerName:       "Elements",
		MaxRequestLength: 8 * 1024,
		MaxHeadersLength: 64 * 1024,
		MaxUploadSize:    0,
		UploadBufferSize: 50000,
		UploadDir:        os.TempDir(),
		GMTOffset:        "",
		MaxConnections:   0,
	}
}

// Load reads settings from a YAML file, layering the file's values over the
// defaults.
func Load(path string) (Settings, error) {
	s := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return s, errors.NewConfigError("reading settings file", err)
	}

	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, errors.NewConfigError("parsing settings file", err)
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate normalizes zero values and rejects unusable settings.
func (s *Settings) Validate() error {
	def := Default()

	if s.ServerName == "" {
		s.ServerName = def.ServerName
	}
	if s.MaxRequestLength == 0 {
		s.MaxRequestLength = def.MaxRequestLength
	}
	if s.MaxHeadersLength == 0 {
		s.MaxHeadersLength = def.MaxHeadersLength
	}
	if s.UploadBufferSize == 0 {
		s.UploadBufferSize = def.UploadBufferSize
	}
	if s.UploadDir == "" {
		s.UploadDir = def.UploadDir
	}

	if s.MaxRequestLength < 0 {
		return errors.NewConfigError("http_max_request_length must not be negative", nil)
	}
	if s.MaxHeadersLength < 0 {
		return errors.NewConfigError("http_max_headers_length must not be negative", nil)
	}
	if s.MaxUploadSize < 0 {
		return errors.NewConfigError("http_max_upload_size must not be negative", nil)
	}
	if s.UploadBufferSize < 0 {
		return errors.NewConfigError("http_upload_buffer_size must not be negative", nil)
	}
	if s.MaxConnections < 0 {
		return errors.NewConfigError("max_connections must not be negative", nil)
	}

	info, err := os.Stat(s.UploadDir)
	if err != nil {
		return errors.NewConfigError("http_upload_dir is not accessible", err)
	}
	if !info.IsDir() {
		return errors.NewConfigError("http_upload_dir is not a directory", nil)
	}

	return nil
}
