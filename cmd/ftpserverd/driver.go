package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/spf13/afero"

	ftpserver "github.com/corewind/ftpserver"
	"github.com/corewind/ftpserver/drivers"
	"github.com/corewind/ftpserver/log"
)

// jsonUser is one entry of the JSON users file: a flat, file-based credential store. This
// is a demonstration authenticator, not a credential format the core engine defines or
// depends on. Swapping it for PAM, REST, or an LDAP bind is an embedder's own choice.
type jsonUser struct {
	Username string `json:"username"`
	Password string `json:"password"`
	HomeDir  string `json:"home_dir"`
}

// jsonUserStore is a MainDriver's authentication collaborator, loaded once at startup from
// a JSON file of the form `{"users": [{"username": ..., "password": ..., "home_dir": ...}]}`.
type jsonUserStore struct {
	byName map[string]jsonUser
}

func loadJSONUserStore(path string) (*jsonUserStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading users file %q: %w", path, err)
	}

	var doc struct {
		Users []jsonUser `json:"users"`
	}

	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing users file %q: %w", path, err)
	}

	store := &jsonUserStore{byName: make(map[string]jsonUser, len(doc.Users))}
	for _, u := range doc.Users {
		store.byName[u.Username] = u
	}

	return store, nil
}

func (s *jsonUserStore) authenticate(username, password string) (jsonUser, bool) {
	u, ok := s.byName[username]
	if !ok || u.Password != password {
		return jsonUser{}, false
	}

	return u, true
}

// demoDriver wires a jsonUserStore authenticator and a drivers.LocalBackend storage
// backend together behind ftpserver.MainDriver, exercising every collaborator interface
// the core library defines.
type demoDriver struct {
	logger   log.Logger
	settings *ftpserver.Settings
	users    *jsonUserStore
	baseDir  string
	certFile string
	keyFile  string
	fs       afero.Fs

	connected int32
}

func newDemoDriver(logger log.Logger, settings *ftpserver.Settings, users *jsonUserStore, cfg tomlConfig) *demoDriver {
	return &demoDriver{
		logger:   logger,
		settings: settings,
		users:    users,
		baseDir:  cfg.BaseDir,
		certFile: cfg.Server.TLSCertFile,
		keyFile:  cfg.Server.TLSKeyFile,
		fs:       afero.NewOsFs(),
	}
}

func (d *demoDriver) GetSettings() (*ftpserver.Settings, error) {
	return d.settings, nil
}

func (d *demoDriver) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	atomic.AddInt32(&d.connected, 1)
	d.logger.Info("client connected", "sessionID", cc.ID(), "remoteAddr", cc.RemoteAddr())

	return "ftpserverd ready", nil
}

func (d *demoDriver) ClientDisconnected(cc ftpserver.ClientContext) {
	atomic.AddInt32(&d.connected, -1)
	d.logger.Info("client disconnected", "sessionID", cc.ID())
}

func (d *demoDriver) Authenticate(
	cc ftpserver.ClientContext, creds ftpserver.Credentials,
) (*ftpserver.Principal, ftpserver.AuthOutcome, error) {
	user, ok := d.users.authenticate(creds.Username, creds.Password)
	if !ok {
		return nil, ftpserver.AuthInvalid, nil
	}

	d.logger.Info("authenticated", "sessionID", cc.ID(), "username", user.Username)

	return &ftpserver.Principal{Username: user.Username}, ftpserver.AuthOK, nil
}

// CertAuthSufficient is always false: the demonstration driver only supports password auth.
func (d *demoDriver) CertAuthSufficient(string) bool {
	return false
}

func (d *demoDriver) UserDetail(principal *ftpserver.Principal) (*ftpserver.UserDetail, error) {
	user, ok := d.users.byName[principal.Username]
	if !ok {
		return nil, fmt.Errorf("unknown principal %q", principal.Username) //nolint:goerr113
	}

	home := user.HomeDir
	if home == "" {
		home = principal.Username
	}

	return &ftpserver.UserDetail{Principal: principal, HomeDir: filepath.Join(d.baseDir, home)}, nil
}

func (d *demoDriver) StorageBackendFor(user *ftpserver.UserDetail) (ftpserver.StorageBackend, error) {
	return drivers.NewLocalBackend(d.fs, user.HomeDir)
}

func (d *demoDriver) GetTLSConfig() (*tls.Config, error) {
	if d.certFile == "" || d.keyFile == "" {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(d.certFile, d.keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS identity: %w", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}
