// Package config loads the layered runtime configuration: a base
// document merged with a profile-keyed overlay, plus the device identity
// and provisioning material kept in their own files. All three are
// JSON5 — comments and trailing commas, nothing fancier — so a small
// pre-pass strips that syntax before handing the bytes to viper, which
// does the actual base+overlay merge.
package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/spf13/viper"

	"github.com/embedthis/ioto-core/internal/koderr"
)

const (
	BaseFileName      = "ioto.json5"
	DeviceFileName    = "device.json5"
	ProvisionFileName = "provision.json5"

	defaultDatabaseName = "ioto.db"
)

// Device is a device's identity, loaded from device.json5.
type Device struct {
	ID          string `json:"id,omitempty"`
	Product     string `json:"product,omitempty"`
	Name        string `json:"name,omitempty"`
	Model       string `json:"model,omitempty"`
	Description string `json:"description,omitempty"`
}

// Provision is the material obtained from (and persisted after) the
// builder registration / provisioning handshake.
type Provision struct {
	API         string `json:"api,omitempty"`
	Token       string `json:"token,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	AccountID   string `json:"accountId,omitempty"`
	CloudType   string `json:"cloudType,omitempty"`
	Certificate string `json:"certificate,omitempty"`
	Key         string `json:"key,omitempty"`
}

// Config is the merged view over ioto.json5, device.json5, and
// provision.json5 in a state directory.
type Config struct {
	Dir       string
	Profile   string
	Device    Device
	Provision Provision

	base *viper.Viper
}

// Load reads every config file present in dir. A missing file is not an
// error: device identity and provisioning material are absent before
// first boot and before provisioning completes, respectively.
func Load(dir string) (*Config, error) {
	c := &Config{Dir: dir, Profile: os.Getenv("IOTO_PROFILE"), base: viper.New()}
	c.base.SetConfigType("json")

	if err := c.loadBase(); err != nil {
		return nil, err
	}
	if err := c.loadInto(DeviceFileName, &c.Device); err != nil {
		return nil, err
	}
	if err := c.loadInto(ProvisionFileName, &c.Provision); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadBase() error {
	data, ok, err := c.readJSON5(BaseFileName)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := c.base.ReadConfig(bytes.NewReader(data)); err != nil {
		return koderr.New(koderr.BadFormat, "config.loadBase", err)
	}
	if c.Profile == "" {
		return nil
	}
	overlay, ok := c.base.Get("profiles." + c.Profile).(map[string]any)
	if !ok {
		return nil
	}
	if err := c.base.MergeConfigMap(overlay); err != nil {
		return koderr.New(koderr.BadFormat, "config.loadBase", err)
	}
	return nil
}

func (c *Config) loadInto(name string, dest any) error {
	data, ok, err := c.readJSON5(name)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return koderr.New(koderr.BadFormat, "config.loadInto", err)
	}
	return nil
}

func (c *Config) readJSON5(name string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(c.Dir, name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, koderr.New(koderr.CantRead, "config.readJSON5", err)
	}
	return stripJSON5(data), true, nil
}

// GetString, GetInt, GetBool, and IsSet expose the merged base document
// for settings that don't warrant their own typed field.
func (c *Config) GetString(key string) string { return c.base.GetString(key) }
func (c *Config) GetInt(key string) int       { return c.base.GetInt(key) }
func (c *Config) GetBool(key string) bool     { return c.base.GetBool(key) }
func (c *Config) IsSet(key string) bool       { return c.base.IsSet(key) }

// DatabasePath returns the configured (or default) local database path.
func (c *Config) DatabasePath() string {
	name := c.GetString("database")
	if name == "" {
		name = defaultDatabaseName
	}
	return filepath.Join(c.Dir, name)
}

// SaveDevice persists Device back to device.json5, e.g. after first-boot
// identity assignment.
func (c *Config) SaveDevice() error { return c.saveJSON(DeviceFileName, c.Device) }

// SaveProvision persists Provision back to provision.json5 after a
// successful register/provision round trip.
func (c *Config) SaveProvision() error { return c.saveJSON(ProvisionFileName, c.Provision) }

func (c *Config) saveJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return koderr.New(koderr.BadData, "config.saveJSON", err)
	}
	if err := os.WriteFile(filepath.Join(c.Dir, name), data, 0o600); err != nil {
		return koderr.New(koderr.CantWrite, "config.saveJSON", err)
	}
	return nil
}

var trailingCommaRE = regexp.MustCompile(`,(\s*[}\]])`)

// stripJSON5 strips // line comments, /* */ block comments, and trailing
// commas before a closing brace/bracket — the subset of JSON5 syntax
// these config files actually use. It is not a general JSON5 parser; no
// such parser exists anywhere in the retrieval corpus (see DESIGN.md).
func stripJSON5(data []byte) []byte {
	var out bytes.Buffer
	inString := false
	inLineComment := false
	inBlockComment := false
	escaped := false

	for i := 0; i < len(data); i++ {
		b := data[i]
		switch {
		case inLineComment:
			if b == '\n' {
				inLineComment = false
				out.WriteByte(b)
			}
		case inBlockComment:
			if b == '*' && i+1 < len(data) && data[i+1] == '/' {
				inBlockComment = false
				i++
			}
		case inString:
			out.WriteByte(b)
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
		case b == '"':
			inString = true
			out.WriteByte(b)
		case b == '/' && i+1 < len(data) && data[i+1] == '/':
			inLineComment = true
			i++
		case b == '/' && i+1 < len(data) && data[i+1] == '*':
			inBlockComment = true
			i++
		default:
			out.WriteByte(b)
		}
	}
	return trailingCommaRE.ReplaceAll(out.Bytes(), []byte("$1"))
}
