package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	ftpserver "github.com/corewind/ftpserver"
)

// tomlConfig is the settings file of the demonstration binary. Everything under [server]
// maps fairly directly onto ftpserver.Settings; users_file points at the JSON credential
// store consumed by the demonstration authenticator.
type tomlConfig struct {
	Server struct {
		ListenAddr            string `toml:"listen_addr"`
		PublicHost            string `toml:"public_host"`
		Greeting              string `toml:"greeting"`
		PassivePortRangeStart int    `toml:"passive_port_range_start"`
		PassivePortRangeEnd   int    `toml:"passive_port_range_end"`
		PooledListeners       bool   `toml:"pooled_listeners"`
		IdleTimeoutSeconds    int    `toml:"idle_timeout_seconds"`
		ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
		TLSCertFile           string `toml:"tls_cert_file"`
		TLSKeyFile            string `toml:"tls_key_file"`
		TLSRequired           string `toml:"tls_required"` // "", "control", "implicit"
		FailedLoginsPolicy    string `toml:"failed_logins_policy"`
		FailedLoginsThreshold uint32 `toml:"failed_logins_threshold"`
		FailedLoginsLockoutS  int    `toml:"failed_logins_lockout_seconds"`
		ProxyProtocol         string `toml:"proxy_protocol"` // "", "v1", "v2", "any"
		EnableHASH            bool   `toml:"enable_hash"`
		EnableCOMB            bool   `toml:"enable_comb"`
		SiteMD5EnabledFor     string `toml:"site_md5_enabled_for"` // "", "non_anonymous", "all"
	} `toml:"server"`

	UsersFile string `toml:"users_file"`
	BaseDir   string `toml:"base_dir"`
}

// loadConfig reads and validates a TOML config file into an ftpserver.Settings plus the raw
// tomlConfig (the demonstration driver needs a few fields, like the TLS cert paths and the
// users file, that have no home on ftpserver.Settings).
func loadConfig(path string) (*ftpserver.Settings, tomlConfig, error) {
	var cfg tomlConfig

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, cfg, fmt.Errorf("loading config %q: %w", path, err)
	}

	if cfg.UsersFile == "" {
		return nil, cfg, fmt.Errorf("users_file is required in %q", path) //nolint:goerr113
	}

	settings := &ftpserver.Settings{
		ListenAddr: cfg.Server.ListenAddr,
		PublicHost: cfg.Server.PublicHost,
		Greeting:   cfg.Server.Greeting,
	}

	if cfg.Server.PassivePortRangeStart > 0 && cfg.Server.PassivePortRangeEnd > 0 {
		settings.PassiveTransferPortRange = &ftpserver.PortRange{
			Start: cfg.Server.PassivePortRangeStart,
			End:   cfg.Server.PassivePortRangeEnd,
		}
	}

	if cfg.Server.PooledListeners {
		settings.ListenerMode = ftpserver.ListenerModePooled
	}

	if cfg.Server.IdleTimeoutSeconds > 0 {
		settings.IdleTimeout = cfg.Server.IdleTimeoutSeconds
	}

	if cfg.Server.ConnectTimeoutSeconds > 0 {
		settings.ConnectionTimeout = cfg.Server.ConnectTimeoutSeconds
	}

	switch cfg.Server.TLSRequired {
	case "control":
		settings.TLSRequired = ftpserver.MandatoryEncryption
	case "implicit":
		settings.TLSRequired = ftpserver.ImplicitEncryption
	}

	switch cfg.Server.FailedLoginsPolicy {
	case "by_ip":
		settings.FailedLoginsPolicy = ftpserver.ThrottleByIP
	case "by_user":
		settings.FailedLoginsPolicy = ftpserver.ThrottleByUser
	case "by_ip_and_user":
		settings.FailedLoginsPolicy = ftpserver.ThrottleByIPAndUser
	}

	settings.FailedLoginsThreshold = cfg.Server.FailedLoginsThreshold
	if cfg.Server.FailedLoginsLockoutS > 0 {
		settings.FailedLoginsLockout = time.Duration(cfg.Server.FailedLoginsLockoutS) * time.Second
	}

	switch cfg.Server.ProxyProtocol {
	case "v1":
		settings.ProxyProtocolPolicy = ftpserver.ProxyProtocolV1
	case "v2":
		settings.ProxyProtocolPolicy = ftpserver.ProxyProtocolV2
	case "any":
		settings.ProxyProtocolPolicy = ftpserver.ProxyProtocolAny
	}

	settings.EnableHASH = cfg.Server.EnableHASH
	settings.EnableCOMB = cfg.Server.EnableCOMB

	switch cfg.Server.SiteMD5EnabledFor {
	case "non_anonymous":
		settings.SiteMD5EnabledFor = ftpserver.SiteMD5NonAnonymous
	case "all":
		settings.SiteMD5EnabledFor = ftpserver.SiteMD5All
	}

	if cfg.BaseDir == "" {
		cfg.BaseDir = "."
	}

	return settings, cfg, nil
}
