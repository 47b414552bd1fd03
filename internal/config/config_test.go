package config

import (
	"encoding/base64"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	assert.EqualValues(t, DefaultAppConfig, *cfg)
}

func TestEnvOverrides(t *testing.T) {
	key := base64.StdEncoding.EncodeToString(make([]byte, 32))
	t.Setenv("SEGVAULT_ADDR", "127.0.0.1:9090")
	t.Setenv("SEGVAULT_BATCH_MAX_ROWS", "2")
	t.Setenv("SEGVAULT_BATCH_MAX_BYTES", "1MiB")
	t.Setenv("SEGVAULT_BATCH_MAX_INTERVAL", "250ms")
	t.Setenv("SEGVAULT_BATCH_TENANTS", "1, 42,7")
	t.Setenv("SEGVAULT_BATCH_ALL_TENANTS", "true")
	t.Setenv("SEGVAULT_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SEGVAULT_CRYPTO_WRAPPING_KEY", key)
	t.Setenv("SEGVAULT_S3_FORCE_PATH_STYLE", "true")
	t.Setenv("SEGVAULT_NOT_A_KEY", "ignored")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Addr)
	assert.Equal(t, 2, cfg.Batch.MaxRows)
	assert.Equal(t, ByteSize(1<<20), cfg.Batch.MaxBytes)
	assert.Equal(t, 250*time.Millisecond, cfg.Batch.MaxInterval)
	assert.Equal(t, []int64{1, 42, 7}, cfg.Batch.Tenants)
	assert.True(t, cfg.Batch.AllTenants)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.S3.ForcePathStyle)

	wk, err := cfg.WrappingKey()
	require.NoError(t, err)
	assert.Len(t, wk, 32)
}

func TestWrappingKeyRequired(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	_, err = cfg.WrappingKey()
	assert.Error(t, err)
}

func TestInvalidWrappingKey(t *testing.T) {
	for _, v := range []string{"not-base64!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		t.Setenv("SEGVAULT_CRYPTO_WRAPPING_KEY", v)
		_, err := Load()
		assert.Error(t, err, "key %q", v)
	}
}

func TestValidPaths(t *testing.T) {
	valid := []string{
		"data",
		"/var/lib/segvault",
		"./data",
		"relative/path/to/data",
		"nested/dir/structure",
	}
	for _, p := range valid {
		t.Setenv("SEGVAULT_DATA_DIR", p)
		cfg, err := Load()
		if err != nil {
			t.Errorf("expected valid path %q, got error: %v", p, err)
			continue
		}
		if cfg.DataDir != p {
			t.Errorf("expected DataDir %q, got %q", p, cfg.DataDir)
		}
	}
}

func TestInvalidPaths(t *testing.T) {
	invalid := []string{
		"",
		".",
		"/",
		"//",
		"../data",
		"data/..",
		"data/../../../etc",
	}
	for _, p := range invalid {
		t.Setenv("SEGVAULT_DATA_DIR", p)
		if _, err := Load(); err == nil {
			t.Errorf("expected error for invalid path %q, got nil", p)
		}
	}
}

func TestValidIPPort(t *testing.T) {
	type sample struct {
		Addr string `validate:"ip_port"`
	}

	v := validator.New()
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		t.Fatalf("register validation: %v", err)
	}

	tests := []struct {
		name  string
		addr  string
		valid bool
	}{
		{name: "empty", addr: "", valid: false},
		{name: "missing_port", addr: "127.0.0.1", valid: false},
		{name: "missing_port_after_colon", addr: "127.0.0.1:", valid: false},
		{name: "just_colon_port", addr: ":8080", valid: true},
		{name: "loopback_ipv4", addr: "127.0.0.1:8080", valid: true},
		{name: "ipv6_loopback", addr: "[::1]:8080", valid: true},
		{name: "unbracketed_ipv6", addr: "::1:8080", valid: false},
		{name: "hostname_not_ip", addr: "localhost:8080", valid: false},
		{name: "non_numeric_port", addr: "127.0.0.1:http", valid: false},
		{name: "port_zero", addr: "127.0.0.1:0", valid: false},
		{name: "port_max_valid", addr: "127.0.0.1:65535", valid: true},
		{name: "port_overflow", addr: "127.0.0.1:65536", valid: false},
		{name: "space_prefixed", addr: " :8080", valid: false},
		{name: "trailing_space", addr: "127.0.0.1:8080 ", valid: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Struct(&sample{Addr: tc.addr})
			if tc.valid && err != nil {
				t.Fatalf("expected valid, got error: %v", err)
			}
			if !tc.valid && err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}
}

func TestSQLiteDSN(t *testing.T) {
	params := "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL"
	tests := []struct {
		dataDir string
		want    string
	}{
		{DefaultAppConfig.DataDir, "file:./data/segvault.db" + params},
		{"data/", "file:data/segvault.db" + params},
		{"/var/lib/segvault", "file:/var/lib/segvault/segvault.db" + params},
	}
	for _, tt := range tests {
		c := &Config{DataDir: tt.dataDir}
		assert.Equal(t, tt.want, c.SQLiteDSN())
		assert.Equal(t, tt.want, c.IndexDSN(), "empty index dsn falls back to sqlite")
		assert.Equal(t, 1, strings.Count(c.AccountingDSN(), "?"))
	}
	c := &Config{DataDir: "d", Index: IndexConfig{DSN: "postgres://x"}}
	assert.Equal(t, "postgres://x", c.IndexDSN())
	assert.Equal(t, "d/blobs", c.BlobDir())
	assert.Equal(t, "d/firstseen", c.FirstSeenDir())
}

func TestPostgresRequiresDSN(t *testing.T) {
	t.Setenv("SEGVAULT_INDEX_DRIVER", "postgres")
	_, err := Load()
	assert.Error(t, err)
	t.Setenv("SEGVAULT_INDEX_DSN", "postgres://localhost/segvault")
	_, err = Load()
	assert.NoError(t, err)
}

func TestS3RequiresBucket(t *testing.T) {
	t.Setenv("SEGVAULT_BLOB_BACKEND", "s3")
	_, err := Load()
	assert.ErrorIs(t, err, errNoBucket)
	t.Setenv("SEGVAULT_S3_BUCKET", "segments")
	_, err = Load()
	assert.NoError(t, err)
}

func TestNoThreshold(t *testing.T) {
	t.Setenv("SEGVAULT_BATCH_MAX_ROWS", "0")
	t.Setenv("SEGVAULT_BATCH_MAX_BYTES", "0")
	t.Setenv("SEGVAULT_BATCH_MAX_INTERVAL", "0s")
	_, err := Load()
	assert.ErrorIs(t, err, errNoThreshold)
}

func TestLoadDefaultError(t *testing.T) {
	orig := defaultLoader
	t.Cleanup(func() { defaultLoader = orig })
	defaultLoader = func(k *koanf.Koanf) error {
		assert.NotNil(t, k)
		return assert.AnError
	}
	_, err := Load()
	if !errors.Is(err, assert.AnError) {
		t.Fatalf("expected assert.AnError, got: %v", err)
	}
}

func TestLoadEnvError(t *testing.T) {
	orig := envLoader
	t.Cleanup(func() { envLoader = orig })
	envLoader = func(k *koanf.Koanf) error {
		assert.NotNil(t, k)
		return assert.AnError
	}
	_, err := Load()
	if !errors.Is(err, assert.AnError) {
		t.Fatalf("expected assert.AnError, got: %v", err)
	}
}

func TestRegisterValidationFails(t *testing.T) {
	orig := registerValidators
	t.Cleanup(func() { registerValidators = orig })
	registerValidators = func(v *validator.Validate) error {
		assert.NotNil(t, v)
		return assert.AnError
	}
	_, err := Load()
	if !errors.Is(err, assert.AnError) {
		t.Fatalf("expected assert.AnError, got: %v", err)
	}
}

func TestBadDuration(t *testing.T) {
	t.Setenv("SEGVAULT_JANITOR_INTERVAL", "soon")
	_, err := Load()
	assert.Error(t, err)
}

func TestStringToList(t *testing.T) {
	hook := StringToList().(func(f, t reflect.Type, data any) (any, error))
	got, err := hook(reflect.TypeOf(""), reflect.TypeOf([]int64(nil)), " 3,,4 ")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, got)
	_, err = hook(reflect.TypeOf(""), reflect.TypeOf([]int64(nil)), "3,x")
	assert.Error(t, err)
	got, err = hook(reflect.TypeOf(""), reflect.TypeOf([]string(nil)), "")
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = hook(reflect.TypeOf(1), reflect.TypeOf([]string(nil)), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"131072", 131072, false},
		{"128KiB", 128 << 10, false},
		{"1mib", 1 << 20, false},
		{"2G", 2 << 30, false},
		{" 4 K ", 4 << 10, false},
		{"", 0, true},
		{"KiB", 0, true},
		{"-1", 0, true},
		{"1.5M", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}
