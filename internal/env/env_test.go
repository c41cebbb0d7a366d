package env

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestConfig struct {
	Host    string  `env:"TEST_HOST" default:"localhost"`
	Port    int     `env:"TEST_PORT" default:"8080"`
	Enabled bool    `env:"TEST_ENABLED" default:"true"`
	Rate    float64 `env:"TEST_RATE" default:"0.001"`
	NoDef   string  `env:"TEST_NO_DEF"`
}

func TestParse(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_HOST", "example.com")
	os.Setenv("TEST_PORT", "9090")
	os.Setenv("TEST_ENABLED", "false")
	os.Setenv("TEST_RATE", "0.25")
	os.Setenv("TEST_NO_DEF", "foo")

	var cfg TestConfig
	err := Parse(&cfg)
	require.NoError(t, err)

	assert.Equal(t, "example.com", cfg.Host)
	assert.Equal(t, 9090, cfg.Port)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 0.25, cfg.Rate)
	assert.Equal(t, "foo", cfg.NoDef)
}

func TestParse_Defaults(t *testing.T) {
	os.Clearenv()

	var cfg TestConfig
	err := Parse(&cfg)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 0.001, cfg.Rate)
	assert.Empty(t, cfg.NoDef)
}

func TestParse_Duration(t *testing.T) {
	type durConfig struct {
		Interval time.Duration `env:"TEST_INTERVAL" default:"30s"`
	}

	os.Clearenv()
	var cfg durConfig
	require.NoError(t, Parse(&cfg))
	assert.Equal(t, 30*time.Second, cfg.Interval)

	os.Setenv("TEST_INTERVAL", "1m30s")
	require.NoError(t, Parse(&cfg))
	assert.Equal(t, 90*time.Second, cfg.Interval)
}

func TestParse_InvalidInt(t *testing.T) {
	os.Clearenv()
	os.Setenv("TEST_PORT", "not-a-number")

	var cfg TestConfig
	err := Parse(&cfg)
	require.Error(t, err)

	var invalid ErrInvalidValue
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "TEST_PORT", invalid.EnvVar)
}

func TestParse_NotStructPointer(t *testing.T) {
	var n int
	err := Parse(&n)
	assert.Error(t, err)

	err = Parse(TestConfig{})
	assert.Error(t, err)
}

type validatedConfig struct {
	Inner validatedInner
}

type validatedInner struct {
	Count int `env:"TEST_COUNT" default:"-1"`
}

func (c *validatedInner) Validate() error {
	if c.Count < 0 {
		return assert.AnError
	}
	return nil
}

func TestParse_NestedValidation(t *testing.T) {
	os.Clearenv()

	var cfg validatedConfig
	err := Parse(&cfg)
	require.Error(t, err)

	os.Setenv("TEST_COUNT", "5")
	require.NoError(t, Parse(&cfg))
	assert.Equal(t, 5, cfg.Inner.Count)
}
