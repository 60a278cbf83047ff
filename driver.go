package ftpserver

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/rand"
	"net"
	"os"
	"time"
)

// MainDriver is the single collaborator the engine talks to for everything it doesn't
// implement itself: settings, presence notifications, authentication, storage backend
// selection, and the TLS identity to present.
type MainDriver interface {
	// GetSettings returns the general settings around the server setup.
	GetSettings() (*Settings, error)

	// ClientConnected is called to produce the text of the very first 220 greeting.
	ClientConnected(cc ClientContext) (string, error)

	// ClientDisconnected is called when the session ends, even if never authenticated.
	ClientDisconnected(cc ClientContext)

	// Authenticate checks the given credentials and returns the authenticated principal,
	// or one of AuthInvalid/AuthLocked/AuthUnavailable with a nil principal.
	Authenticate(cc ClientContext, creds Credentials) (*Principal, AuthOutcome, error)

	// CertAuthSufficient reports whether a verified mTLS client certificate chain alone is
	// enough to authenticate the given username (PASS may then carry any value).
	CertAuthSufficient(username string) bool

	// UserDetail expands a Principal into the fuller record the storage backend needs.
	UserDetail(principal *Principal) (*UserDetail, error)

	// StorageBackendFor returns the storage adapter bound to the given user.
	StorageBackendFor(user *UserDetail) (StorageBackend, error)

	// GetTLSConfig returns the server identity (certificate chain + key) and TLS policy.
	// It is called exactly once, at server construction time (Listen()); the result is
	// cached and reused for the control channel and every data channel afterwards.
	GetTLSConfig() (*tls.Config, error)
}

// MainDriverExtensionPassiveWrapper is an optional MainDriver extension that lets the
// driver wrap every freshly reserved passive listener, e.g. to meter or filter the data
// connections before the engine accepts them.
type MainDriverExtensionPassiveWrapper interface {
	WrapPassiveListener(listener net.Listener) (net.Listener, error)
}

// MainDriverExtensionQuitMessage is an optional MainDriver extension that customizes the
// text of the 221 reply sent on QUIT.
type MainDriverExtensionQuitMessage interface {
	QuitMessage() string
}

// MainDriverExtensionPerClientTLSRequirement is an optional MainDriver extension that
// overrides Settings.TLSRequired for one session, decided when the client connects.
type MainDriverExtensionPerClientTLSRequirement interface {
	GetTLSRequirement(cc ClientContext) TLSRequirement
}

// AuthOutcome is the result of an authentication attempt.
type AuthOutcome int

// Authentication outcomes, per the authenticator contract.
const (
	AuthOK AuthOutcome = iota
	AuthInvalid
	AuthLocked
	AuthUnavailable
)

// Credentials is what the engine hands to Authenticate.
type Credentials struct {
	Username         string
	Password         string
	SourceIP         string
	PeerCertificates []*x509.Certificate // non-nil only after a verified mTLS handshake
	ControlTLS       bool
}

// Principal is the minimum authenticated identity: a username, nothing else.
type Principal struct {
	Username string
}

// UserDetail is the fuller per-user record consumed by the storage adapter, derived from a
// Principal by the driver's UserDetail method.
type UserDetail struct {
	Principal *Principal
	HomeDir   string      // opaque to the engine; meaningful to the storage backend only
	Extra     interface{} // backend-specific payload (quota, uid/gid, ...)
}

// StorageBackend is the capability contract the engine calls into for every file-system
// operation. Backends may return errors built with NewStorageError so the engine can pick
// a precise reply code; any other error falls back to the calling handler's default code.
type StorageBackend interface {
	Metadata(user *UserDetail, path string) (FileInfo, error)
	List(user *UserDetail, path string) ([]FileInfo, error)
	Get(user *UserDetail, path string, startOffset int64) (io.ReadCloser, error)
	Put(user *UserDetail, path string, src io.Reader, startOffset int64) (int64, error)
	Del(user *UserDetail, path string) error
	Mkd(user *UserDetail, path string) error
	Rmd(user *UserDetail, path string) error
	Rename(user *UserDetail, from, to string) error
	// Cwd validates that path is a usable working directory and returns its canonical form.
	Cwd(user *UserDetail, path string) (string, error)
}

// Md5Capable is an optional StorageBackend extension backing the SITE MD5 command.
type Md5Capable interface {
	Md5(user *UserDetail, path string) (string, error)
}

// HashCapable is an optional StorageBackend extension backing HASH/XCRC/XSHA*.
type HashCapable interface {
	ComputeHash(user *UserDetail, path string, algo HASHAlgo, startOffset, endOffset int64) (string, error)
}

// ChmodCapable is an optional StorageBackend extension backing SITE CHMOD.
type ChmodCapable interface {
	Chmod(user *UserDetail, path string, mode os.FileMode) error
}

// ChownCapable is an optional StorageBackend extension backing SITE CHOWN.
type ChownCapable interface {
	Chown(user *UserDetail, path string, uid, gid int) error
}

// SymlinkCapable is an optional StorageBackend extension backing SITE SYMLINK.
type SymlinkCapable interface {
	Symlink(user *UserDetail, oldname, newname string) error
}

// MfmtCapable is an optional StorageBackend extension backing MFMT.
type MfmtCapable interface {
	Chtimes(user *UserDetail, path string, mtime time.Time) error
}

// AllocateCapable is an optional StorageBackend extension backing ALLO.
type AllocateCapable interface {
	AllocateSpace(user *UserDetail, size int) error
}

// AvailableSpaceCapable is an optional StorageBackend extension backing AVBL.
type AvailableSpaceCapable interface {
	GetAvailableSpace(user *UserDetail, path string) (int64, error)
}

// FileInfo describes one storage entry. It is deliberately os.FileInfo-shaped so the
// directory-listing helpers can format it without any adapter step, plus the two extra
// fields (Nlink, GID) the Unix-style LIST output wants that os.FileInfo doesn't carry.
type FileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
	Nlink   int
	GID     string
}

// NewFileInfo builds a FileInfo. Nlink defaults to 1 and GID to "ftp".
func NewFileInfo(name string, size int64, mode os.FileMode, modTime time.Time, isDir bool) FileInfo {
	return FileInfo{
		name: name, size: size, mode: mode, modTime: modTime, isDir: isDir,
		Nlink: 1, GID: "ftp",
	}
}

func (fi FileInfo) Name() string       { return fi.name }
func (fi FileInfo) Size() int64        { return fi.size }
func (fi FileInfo) Mode() os.FileMode  { return fi.mode }
func (fi FileInfo) ModTime() time.Time { return fi.modTime }
func (fi FileInfo) IsDir() bool        { return fi.isDir }
func (fi FileInfo) Sys() interface{}   { return nil }

// ClientContext exposes read-only facts about one session to the library user (e.g. from
// inside ClientConnected/ClientDisconnected).
type ClientContext interface {
	// Path is the current working directory of the client.
	Path() string
	SetDebug(debug bool)
	Debug() bool
	// ID is the session's numeric identifier, stable for its whole lifetime.
	ID() uint32
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	// GetClientVersion returns the identified client (via CLNT), can be empty.
	GetClientVersion() string
	Close() error
	HasTLSForControl() bool
	HasTLSForTransfers() bool
	GetLastCommand() string
	// GetLastDataChannel returns the channel type (passive or active) of the most recent
	// data-channel setup command.
	GetLastDataChannel() DataChannel
	// SetExtra attaches an embedder-owned value to the session; Extra reads it back.
	SetExtra(extra interface{})
	Extra() interface{}
}

// PasvPortGetter supplies candidate passive ports: each FetchNext call returns the port to
// advertise to the client and the port to actually bind, which differ behind NAT port
// mappings. NumberAttempts bounds how many candidates the switchboard will try before
// giving up with ErrNoAvailableListeningPort.
type PasvPortGetter interface {
	FetchNext() (exposedPort, listenedPort int, ok bool)
	NumberAttempts() int
}

// PortRange is an inclusive TCP port range where the advertised and bound ports are the
// same.
type PortRange struct {
	Start int
	End   int
}

// FetchNext picks a random port of the range. Random choice keeps concurrent reservations
// from racing on the same ports and makes the next port hard to predict.
func (r PortRange) FetchNext() (int, int, bool) {
	port := r.Start + rand.Intn(r.End-r.Start+1) //nolint:gosec
	return port, port, true
}

// NumberAttempts returns the size of the range.
func (r PortRange) NumberAttempts() int {
	return r.End - r.Start + 1
}

// PortMappingRange describes Count consecutive ports starting at ListenedStart that are
// reachable by clients at the matching offset from ExposedStart, the usual NAT setup.
type PortMappingRange struct {
	ExposedStart  int
	ListenedStart int
	Count         int
}

// FetchNext picks a random offset of the mapping.
func (r PortMappingRange) FetchNext() (int, int, bool) {
	offset := rand.Intn(r.Count) //nolint:gosec
	return r.ExposedStart + offset, r.ListenedStart + offset, true
}

// NumberAttempts returns the number of mapped ports.
func (r PortMappingRange) NumberAttempts() int {
	return r.Count
}

// PublicIPResolver resolves the public IP to advertise in a PASV/EPSV reply.
type PublicIPResolver func(ClientContext) (string, error)

// TLSRequirement controls whether/when TLS is mandatory.
type TLSRequirement int

// TLS requirement levels.
const (
	ClearOrEncrypted TLSRequirement = iota
	MandatoryEncryption
	ImplicitEncryption
)

// DataConnectionRequirement controls the security checks applied to data connections
// before they are used.
type DataConnectionRequirement int

// Data connection requirements.
const (
	// IPMatchRequired requires the data connection peer IP to match the control
	// connection peer IP.
	IPMatchRequired DataConnectionRequirement = iota
	// IPMatchDisabled disables any IP check on data connections.
	IPMatchDisabled
)

// DataChannel is the data-channel kind a session last configured.
type DataChannel int

// Data channel types.
const (
	// DataChannelPassive means the server listens and the client dials (PASV/EPSV).
	DataChannelPassive DataChannel = iota + 1
	// DataChannelActive means the client listens and the server dials (PORT/EPRT).
	DataChannelActive
)

// ListenerMode selects how the passive-port switchboard manages listening sockets.
type ListenerMode int

// Listener modes, see switchboard.go.
const (
	ListenerModeOnDemand ListenerMode = iota
	ListenerModePooled
)

// ThrottlePolicy selects the login-throttle key.
type ThrottlePolicy int

// Throttle policies.
const (
	ThrottleOff ThrottlePolicy = iota
	ThrottleByIP
	ThrottleByUser
	ThrottleByIPAndUser
)

// ProxyProtocolPolicy controls PROXY protocol ingress handling.
type ProxyProtocolPolicy int

// PROXY protocol policies.
const (
	ProxyProtocolOff ProxyProtocolPolicy = iota
	ProxyProtocolV1
	ProxyProtocolV2
	ProxyProtocolAny
)

// SiteMD5Policy controls who may use SITE MD5.
type SiteMD5Policy int

// SITE MD5 availability policies.
const (
	SiteMD5None SiteMD5Policy = iota
	SiteMD5NonAnonymous
	SiteMD5All
)

// TransferType is the enumerable that represents the supported transfer types.
type TransferType int

// Supported transfer types. Only TransferTypeBinary is honored semantically; ASCII is
// accepted (so clients that always send TYPE A don't break) but never translated.
// TransferTypeBinary is the zero value, so sessions start in binary mode unless
// Settings.DefaultTransferType says otherwise.
const (
	TransferTypeBinary TransferType = iota
	TransferTypeASCII
)

// HASHAlgo enumerates the supported HASH/XCRC/XSHA* digest algorithms.
type HASHAlgo int

// Supported hash algorithms.
const (
	HASHAlgoCRC32 HASHAlgo = iota
	HASHAlgoMD5
	HASHAlgoSHA1
	HASHAlgoSHA256
	HASHAlgoSHA512
)

// Settings defines all the server settings.
// nolint: maligned
type Settings struct {
	Listener                 net.Listener // (Optional) an already initialized listener
	ListenAddr               string
	Greeting                 string // text appended to the 220 greeting
	PublicHost               string
	PublicIPResolver         PublicIPResolver
	PassiveTransferPortRange PasvPortGetter
	ListenerMode             ListenerMode
	ActiveTransferPortNon20  bool
	IdleTimeout              int           // seconds, control-channel idle timeout
	ConnectionTimeout        int           // seconds, PASV-connect/active-dial timeout
	ReservationTTL           time.Duration // default 60s, see switchboard.go
	ScavengerPeriod          time.Duration // default 30s, see switchboard.go
	ProxyHeaderTimeout       time.Duration // default 5s
	DisableMLSD              bool
	DisableMLST              bool
	DisableMFMT              bool
	DisableLISTArgs          bool
	DisableSite              bool
	DisableActiveMode        bool
	DisableSTAT              bool
	DisableSYST              bool
	EnableHASH               bool
	EnableCOMB               bool
	EnableMODEZ              bool
	ModeZLevel               int // deflate level for MODE Z, default 5
	DefaultTransferType      TransferType
	TLSRequired              TLSRequirement
	PasvConnectionsCheck     DataConnectionRequirement
	ActiveConnectionsCheck   DataConnectionRequirement
	FailedLoginsPolicy       ThrottlePolicy
	FailedLoginsThreshold    uint32
	FailedLoginsLockout      time.Duration
	ProxyProtocolPolicy      ProxyProtocolPolicy
	SiteMD5EnabledFor        SiteMD5Policy
	EventSink                EventSink
	EventSinkRate            float64         // (Optional) max events/sec delivered to EventSink, 0 = unlimited
	EventSinkBurst           int             // (Optional) token-bucket burst for EventSinkRate
	MaxAcceptsPerSecond      float64         // (Optional) caps the rate of accepted control connections, 0 = unlimited
	MaxAcceptBurst           int             // (Optional) token-bucket burst for MaxAcceptsPerSecond
	ShutdownIndicator        <-chan struct{} // (Optional) external cancellation source
}
