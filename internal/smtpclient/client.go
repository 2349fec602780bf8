package smtpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kumocorp/engine/internal/dnsresolver"
	"github.com/kumocorp/engine/internal/egress"
	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/readyqueue"
	"github.com/kumocorp/engine/internal/shaping"
)

// Config configures a Dialer.
type Config struct {
	// NodeHostname is the EHLO/LHLO client name used when an egress
	// source does not pin its own ehlo_domain.
	NodeHostname string
	// ConnectTimeout bounds TCP connect itself, distinct from the
	// banner/command timeouts carried on shaping.ResolvedPath per
	// spec.md §4.7.
	ConnectTimeout time.Duration
	// TLSConfig is the base client TLS configuration, cloned per-host
	// with ServerName/InsecureSkipVerify set appropriately.
	TLSConfig *tls.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		NodeHostname:   "localhost",
		ConnectTimeout: 30 * time.Second,
		TLSConfig:      &tls.Config{MinVersion: tls.VersionTLS12},
	}
}

// Dialer implements readyqueue.Dialer for one protocol (SMTP or LMTP),
// per spec.md §4.6/§4.7.
type Dialer struct {
	cfg      Config
	protocol Protocol

	resolver  *dnsresolver.Resolver
	mtaSTS    *MTASTSCache
	brokenTLS *BrokenTLSCache
	tracer    Tracer
	logger    *logging.Logger
}

var _ readyqueue.Dialer = (*Dialer)(nil)

// NewDialer constructs a Dialer. resolver supplies TLSA lookups for
// DANE; mtaSTS and brokenTLS may be nil to disable those features
// outright (as opposed to disabling them per-path via shaping).
func NewDialer(cfg Config, protocol Protocol, resolver *dnsresolver.Resolver, mtaSTS *MTASTSCache, brokenTLS *BrokenTLSCache, tracer Tracer, logger *logging.Logger) *Dialer {
	if cfg.NodeHostname == "" {
		cfg.NodeHostname = "localhost"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tracer == nil {
		tracer = NopTracer{}
	}
	if brokenTLS == nil {
		brokenTLS = NewBrokenTLSCache(0)
	}
	return &Dialer{
		cfg: cfg, protocol: protocol,
		resolver: resolver, mtaSTS: mtaSTS, brokenTLS: brokenTLS,
		tracer: tracer, logger: logger.WithFields("component", "smtp", "protocol", string(protocol)),
	}
}

// Dial connects to addr, runs the banner/EHLO/STARTTLS handshake, and
// returns a ready-to-use Session. Grounded on the teacher's
// deliverToHost: timeout-bound net.Dialer, then EHLO, then a STARTTLS
// attempt gated on the advertised extension.
func (d *Dialer) Dial(ctx context.Context, host string, addr net.IP, source *egress.Source, path shaping.ResolvedPath) (readyqueue.Session, error) {
	port := path.SMTPPort
	if source.RemotePort != 0 {
		port = source.RemotePort
	}
	if port == 0 {
		port = 25
	}
	target := net.JoinHostPort(addr.String(), strconv.Itoa(port))

	netDialer := &net.Dialer{Timeout: d.cfg.ConnectTimeout}
	if local, err := source.LocalAddr(); err != nil {
		return nil, fmt.Errorf("smtpclient: resolve source address: %w", err)
	} else if local != nil {
		netDialer.LocalAddr = local
	}

	conn, err := netDialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("smtpclient: connect %s: %w", target, err)
	}
	d.tracer.Trace(Event{Kind: EventConnect, Host: host, Data: target})

	sess, err := d.handshake(ctx, conn, host, source, path)
	if err != nil {
		conn.Close()
		// Opportunistic mode with reconnect-on-failure asks for a fresh
		// plaintext attempt rather than surfacing the TLS error, since
		// STARTTLS failures leave the original connection unusable.
		if errors.Is(err, errNeedsPlaintextRetry) {
			return d.dialPlaintext(ctx, target, host, source, path)
		}
		return nil, err
	}
	return sess, nil
}

// dialPlaintext re-establishes the TCP connection and runs the
// handshake again with TLS forced off, used only for the Opportunistic
// reconnect-on-failed-handshake path.
func (d *Dialer) dialPlaintext(ctx context.Context, target, host string, source *egress.Source, path shaping.ResolvedPath) (readyqueue.Session, error) {
	netDialer := &net.Dialer{Timeout: d.cfg.ConnectTimeout}
	if local, err := source.LocalAddr(); err == nil && local != nil {
		netDialer.LocalAddr = local
	}
	conn, err := netDialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("smtpclient: plaintext reconnect to %s: %w", target, err)
	}
	plainPath := path
	plainPath.EnableTLS = shaping.TLSDisabled
	sess, err := d.handshake(ctx, conn, host, source, plainPath)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

var errNeedsPlaintextRetry = errors.New("smtpclient: opportunistic TLS handshake failed, reconnect in plaintext")

func (d *Dialer) handshake(ctx context.Context, conn net.Conn, host string, source *egress.Source, path shaping.ResolvedPath) (*Session, error) {
	setDeadline(conn, path.BannerTimeout)
	br := bufio.NewReader(conn)

	banner, err := readResponse(br)
	if err != nil {
		return nil, fmt.Errorf("smtpclient: read banner: %w", err)
	}
	d.tracer.Trace(Event{Kind: EventRecv, Host: host, Data: banner.Text()})
	if !banner.success() {
		return nil, fmt.Errorf("%w: %d %s", ErrBannerRejected, banner.Code, banner.Text())
	}

	ehloName := source.EHLODomain
	if ehloName == "" {
		ehloName = d.cfg.NodeHostname
	}
	verb := "EHLO"
	if d.protocol == ProtocolLMTP {
		verb = "LHLO"
	}

	setDeadline(conn, path.DataTimeout)
	ext, err := d.sendHello(conn, br, verb, ehloName, host)
	if err != nil {
		return nil, err
	}

	tlsUsed := false
	if path.EnableTLS != shaping.TLSDisabled {
		newConn, newBr, used, err := d.maybeStartTLS(ctx, conn, br, host, source, path, ext)
		if err != nil {
			return nil, err
		}
		conn, br, tlsUsed = newConn, newBr, used
		if tlsUsed {
			setDeadline(conn, path.DataTimeout)
			ext, err = d.sendHello(conn, br, verb, ehloName, host)
			if err != nil {
				return nil, fmt.Errorf("smtpclient: post-STARTTLS %s: %w", verb, err)
			}
		}
	}

	return &Session{
		conn:       conn,
		r:          br,
		extensions: ext,
		pipelining: ext.has("PIPELINING") && path.EnablePipelining,
		protocol:   d.protocol,
		path:       path,
		host:       host,
		tlsUsed:    tlsUsed,
		tracer:     d.tracer,
		logger:     d.logger.WithFields("host", host, "source", source.Name),
	}, nil
}

func (d *Dialer) sendHello(conn net.Conn, br *bufio.Reader, verb, name, host string) (extensions, error) {
	if err := writeCommand(conn, "%s %s", verb, name); err != nil {
		return nil, fmt.Errorf("smtpclient: send %s: %w", verb, err)
	}
	d.tracer.Trace(Event{Kind: EventSend, Host: host, Data: verb + " " + name})
	resp, err := readResponse(br)
	if err != nil {
		return nil, fmt.Errorf("smtpclient: read %s response: %w", verb, err)
	}
	d.tracer.Trace(Event{Kind: EventRecv, Host: host, Data: resp.Text()})
	if !resp.success() {
		return nil, fmt.Errorf("%w: %d %s", ErrHelloRejected, resp.Code, resp.Text())
	}
	return parseHello(resp), nil
}

// maybeStartTLS negotiates STARTTLS per spec.md §4.7's five-mode table,
// with MTA-STS/DANE able to force TLS regardless of the configured mode
// and remember_broken_tls consulted only outside the Required* modes.
func (d *Dialer) maybeStartTLS(ctx context.Context, conn net.Conn, br *bufio.Reader, host string, source *egress.Source, path shaping.ResolvedPath, ext extensions) (net.Conn, *bufio.Reader, bool, error) {
	mode := path.EnableTLS
	advertised := ext.has("STARTTLS")
	key := brokenTLSKey(source.Name, host, d.protocol)

	var tlsaRecords []dnsresolver.TLSARecord
	policyRequired := false
	if path.EnableDANE && d.resolver != nil {
		if recs, err := d.resolver.LookupTLSA(ctx, path.SMTPPort, host); err == nil && len(recs) > 0 {
			tlsaRecords = recs
			policyRequired = true
		}
	}
	if path.EnableMTASTS && d.mtaSTS != nil {
		policy, err := d.mtaSTS.Get(ctx, host)
		if err == nil && policyRequiresTLS(policy) {
			if !policyAllowsHost(policy, host) {
				return conn, br, false, fmt.Errorf("%w: %s", ErrMTASTSViolation, host)
			}
			policyRequired = true
		}
	}

	required := policyRequired || mode == shaping.TLSRequired || mode == shaping.TLSRequiredInsecure

	if mode == shaping.TLSDisabled && !policyRequired {
		return conn, br, false, nil
	}
	if !advertised {
		if required {
			return conn, br, false, fmt.Errorf("%w: STARTTLS not advertised by %s", ErrTLSRequired, host)
		}
		return conn, br, false, nil
	}

	if !required && path.RememberBrokenTLS && d.brokenTLS.IsBroken(key) {
		return conn, br, false, nil
	}

	if err := writeCommand(conn, "STARTTLS"); err != nil {
		return conn, br, false, fmt.Errorf("smtpclient: send STARTTLS: %w", err)
	}
	d.tracer.Trace(Event{Kind: EventSend, Host: host, Data: "STARTTLS"})
	resp, err := readResponse(br)
	if err != nil || !resp.success() {
		return d.onStartTLSFailure(conn, br, host, mode, required, key, err, path.OpportunisticTLSReconnect)
	}

	verifyInsecure := mode == shaping.TLSOpportunisticInsecure || mode == shaping.TLSRequiredInsecure
	tlsConf := d.cfg.TLSConfig.Clone()
	tlsConf.ServerName = host
	tlsConf.InsecureSkipVerify = verifyInsecure

	tlsConn := tls.Client(conn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return d.onStartTLSFailure(conn, br, host, mode, required, key, err, path.OpportunisticTLSReconnect)
	}
	d.tracer.Trace(Event{Kind: EventTLS, Host: host, Data: "handshake ok"})

	if policyRequired && len(tlsaRecords) > 0 {
		state := tlsConn.ConnectionState()
		if err := verifyDANE(state.PeerCertificates, tlsaRecords); err != nil {
			tlsConn.Close()
			return conn, br, false, err
		}
	}

	if path.RememberBrokenTLS {
		d.brokenTLS.ClearBroken(key)
	}
	return tlsConn, bufio.NewReader(tlsConn), true, nil
}

func (d *Dialer) onStartTLSFailure(conn net.Conn, br *bufio.Reader, host string, mode shaping.TLSMode, required bool, key string, cause error, reconnect bool) (net.Conn, *bufio.Reader, bool, error) {
	if required {
		return conn, br, false, fmt.Errorf("%w: STARTTLS handshake with %s failed: %v", ErrTLSRequired, host, cause)
	}
	if mode == shaping.TLSOpportunisticInsecure {
		return conn, br, false, nil
	}
	d.brokenTLS.MarkBroken(key)
	if !reconnect {
		// opportunistic_tls_reconnect_on_failed_handshake is off: the
		// underlying connection is no longer usable after a failed
		// STARTTLS, and the caller must not redial, so the attempt fails
		// transient rather than silently falling back to plaintext.
		return conn, br, false, fmt.Errorf("%w: %s: %v", ErrTLSHandshakeFailed, host, cause)
	}
	// Opportunistic with reconnect enabled: signal the caller to redial
	// in plaintext, since the connection may still be speaking plaintext
	// SMTP if the peer never actually attempted the handshake on its side.
	return conn, br, false, errNeedsPlaintextRetry
}
