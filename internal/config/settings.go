package config

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"mediadeck/internal/storage"
)

// Keys for AppSettings in DB
const (
	KeyMaxConcurrent  = "max_concurrent_jobs"
	KeyMaxRetries     = "max_retries"
	KeyBackoffBaseMS  = "retry_backoff_ms"
	KeyCancelTimeout  = "cancel_timeout_ms"
	KeyDownloadPath   = "download_path"
	KeyConvertPath    = "convert_path"
	KeyMinFreeDiskMB  = "min_free_disk_mb"
	KeyHistoryLimit   = "history_limit"
	KeyControlEnable  = "enable_control_api"
	KeyControlPort    = "control_port"
	KeyControlToken   = "control_token"
)

// Defaults. Retry/backoff parameters are configuration, not hard-coded policy.
const (
	DefaultMaxConcurrent = 3
	DefaultMaxRetries    = 3
	DefaultBackoffBaseMS = 500
	DefaultCancelTimeout = 5000
	DefaultMinFreeDiskMB = 200
	DefaultHistoryLimit  = 500
	DefaultControlPort   = 4646
)

type Manager struct {
	storage *storage.Storage
}

func NewManager(s *storage.Storage) *Manager {
	return &Manager{storage: s}
}

func (c *Manager) getInt(key string, def int) int {
	valStr, err := c.storage.GetString(key)
	if err != nil || valStr == "" {
		return def
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return def
	}
	return val
}

func (c *Manager) setInt(key string, val int) error {
	return c.storage.SetString(key, strconv.Itoa(val))
}

func (c *Manager) GetMaxConcurrent() int {
	n := c.getInt(KeyMaxConcurrent, DefaultMaxConcurrent)
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}
	return n
}

func (c *Manager) SetMaxConcurrent(n int) error {
	return c.setInt(KeyMaxConcurrent, n)
}

func (c *Manager) GetMaxRetries() int {
	n := c.getInt(KeyMaxRetries, DefaultMaxRetries)
	if n < 0 {
		n = 0
	}
	return n
}

func (c *Manager) SetMaxRetries(n int) error {
	return c.setInt(KeyMaxRetries, n)
}

// GetBackoffBase returns the first retry delay; each attempt doubles it.
func (c *Manager) GetBackoffBase() time.Duration {
	return time.Duration(c.getInt(KeyBackoffBaseMS, DefaultBackoffBaseMS)) * time.Millisecond
}

func (c *Manager) SetBackoffBase(d time.Duration) error {
	return c.setInt(KeyBackoffBaseMS, int(d/time.Millisecond))
}

// GetCancelTimeout bounds how long a worker waits for engine termination
// before force-killing the process.
func (c *Manager) GetCancelTimeout() time.Duration {
	return time.Duration(c.getInt(KeyCancelTimeout, DefaultCancelTimeout)) * time.Millisecond
}

func (c *Manager) SetCancelTimeout(d time.Duration) error {
	return c.setInt(KeyCancelTimeout, int(d/time.Millisecond))
}

func (c *Manager) GetDownloadPath() string {
	val, _ := c.storage.GetString(KeyDownloadPath)
	return val
}

func (c *Manager) SetDownloadPath(path string) error {
	return c.storage.SetString(KeyDownloadPath, path)
}

func (c *Manager) GetConvertPath() string {
	val, _ := c.storage.GetString(KeyConvertPath)
	return val
}

func (c *Manager) SetConvertPath(path string) error {
	return c.storage.SetString(KeyConvertPath, path)
}

// GetMinFreeDisk returns the free-space floor in bytes below which new
// jobs are rejected before the engine is invoked.
func (c *Manager) GetMinFreeDisk() uint64 {
	return uint64(c.getInt(KeyMinFreeDiskMB, DefaultMinFreeDiskMB)) * 1024 * 1024
}

func (c *Manager) SetMinFreeDiskMB(mb int) error {
	return c.setInt(KeyMinFreeDiskMB, mb)
}

func (c *Manager) GetHistoryLimit() int {
	return c.getInt(KeyHistoryLimit, DefaultHistoryLimit)
}

func (c *Manager) SetHistoryLimit(n int) error {
	return c.setInt(KeyHistoryLimit, n)
}

// GetControlEnabled defaults to on; the control API is the only way to
// drive a headless instance.
func (c *Manager) GetControlEnabled() bool {
	val, err := c.storage.GetString(KeyControlEnable)
	if err != nil || val == "" {
		return true
	}
	return val != "false"
}

func (c *Manager) SetControlEnabled(enabled bool) error {
	val := "false"
	if enabled {
		val = "true"
	}
	return c.storage.SetString(KeyControlEnable, val)
}

func (c *Manager) GetControlPort() int {
	return c.getInt(KeyControlPort, DefaultControlPort)
}

func (c *Manager) SetControlPort(port int) error {
	return c.setInt(KeyControlPort, port)
}

func (c *Manager) GetControlToken() string {
	val, err := c.storage.GetString(KeyControlToken)
	if err != nil || val == "" {
		token := generateSecureToken()
		c.storage.SetString(KeyControlToken, token)
		return token
	}
	return val
}

func generateSecureToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "mediadeck-fallback-token-change-me"
	}
	return hex.EncodeToString(b)
}
