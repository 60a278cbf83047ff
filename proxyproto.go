package ftpserver

import (
	"net"
	"time"

	"github.com/pires/go-proxyproto"
)

// wrapProxyProtocol wraps listener so every accepted connection must start with a PROXY
// protocol v1 or v2 header, which is consumed so RemoteAddr/LocalAddr report the original
// client. ProxyProtocolV1, ProxyProtocolV2 and ProxyProtocolAny behave alike: each accepts
// either header version.
// headerTimeout bounds how long the wrapper will wait for the header before
// giving up on a connection (default 5s).
func wrapProxyProtocol(listener net.Listener, policy ProxyProtocolPolicy, headerTimeout time.Duration) net.Listener {
	if policy == ProxyProtocolOff {
		return listener
	}

	if headerTimeout <= 0 {
		headerTimeout = 5 * time.Second
	}

	policyFn := func(net.Addr) (proxyproto.Policy, error) {
		switch policy {
		case ProxyProtocolV1, ProxyProtocolV2, ProxyProtocolAny:
			return proxyproto.REQUIRE, nil
		default:
			return proxyproto.SKIP, nil
		}
	}

	return &proxyproto.Listener{
		Listener:          listener,
		Policy:            policyFn,
		ReadHeaderTimeout: headerTimeout,
	}
}
