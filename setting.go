package pirest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// Setting is the configuration record shared by every connection of a
// `Server`.
//
// It is highly recommended not to modify the value of any field of the
// `Setting` after the server has begun accepting, which will cause
// unpredictable problems.
type Setting struct {
	// HeaderLimit is the maximum number of bytes allowed for the full
	// request header block, including the HTTP/1.x request-line.
	//
	// Default value: 8192
	HeaderLimit uint32 `mapstructure:"header_limit"`

	// BodyLimit is the maximum number of bytes allowed for a request
	// body. A nil `BodyLimit` means the body size is unbounded.
	//
	// Default value: 1048576
	BodyLimit *int64 `mapstructure:"body_limit"`

	// ReadTimeout is the deadline armed on a connection while it reads a
	// request. The deadline is disarmed while the request is dispatched
	// and while the response is written.
	//
	// Default value: 60s
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// Filters is the ordered filter chain. The incoming hooks run in
	// list order over every parsed request; the outgoing hooks run in
	// list order over every outbound response header map.
	//
	// Default value: nil
	Filters []Filter `mapstructure:"-"`
}

// NewSetting returns a new instance of the `Setting` with default field
// values.
func NewSetting() *Setting {
	bodyLimit := int64(1 << 20)
	return &Setting{
		HeaderLimit: 8 << 10,
		BodyLimit:   &bodyLimit,
		ReadTimeout: 60 * time.Second,
	}
}

// AddFilter appends the f to the filter chain of the s.
func (s *Setting) AddFilter(f Filter) *Setting {
	s.Filters = append(s.Filters, f)
	return s
}

// loadFile parses the configuration file targeted by the filename into the
// matching fields of the s.
//
// The ".json" extension means the configuration file is JSON-based. The
// ".toml" extension means the configuration file is TOML-based. The ".yaml"
// and ".yml" extensions mean the configuration file is YAML-based.
func (s *Setting) loadFile(filename string) error {
	b, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	m := map[string]interface{}{}
	switch e := strings.ToLower(filepath.Ext(filename)); e {
	case ".json":
		err = json.Unmarshal(b, &m)
	case ".toml":
		err = toml.Unmarshal(b, &m)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &m)
	default:
		err = fmt.Errorf(
			"pirest: unsupported configuration file extension: %s",
			e,
		)
	}

	if err != nil {
		return err
	}

	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     s,
	})
	if err != nil {
		return err
	}

	return d.Decode(m)
}
