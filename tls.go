package ftpserver

import "crypto/tls"

// tlsIdentity is the server's TLS configuration, loaded once from the driver at Listen()
// time and reused for the control channel and every data channel afterwards: the identity
// is never re-fetched per session.
type tlsIdentity struct {
	config *tls.Config
}

func loadTLSIdentity(driver MainDriver) (*tlsIdentity, error) {
	config, err := driver.GetTLSConfig()
	if err != nil {
		return nil, NewDriverError("cannot get tls config", err)
	}

	if config == nil {
		return &tlsIdentity{}, nil
	}

	if config.MinVersion == 0 {
		config.MinVersion = tls.VersionTLS12
	}

	return &tlsIdentity{config: config}, nil
}

// get returns the cached *tls.Config, or nil if the driver never provided one.
func (t *tlsIdentity) get() *tls.Config {
	if t == nil {
		return nil
	}

	return t.config
}
