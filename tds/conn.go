package tds

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hugr-lab/mssql-extension-sub009/pkg/errors"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/log"
	"github.com/hugr-lab/mssql-extension-sub009/pkg/version"
)

// State is the connection lifecycle state.
type State int32

const (
	StateInitial State = iota
	StatePrelogin
	StateTLSHandshake
	StateLogin
	StateLoggedIn
	StateIdle
	StateExecuting
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StatePrelogin:
		return "Prelogin"
	case StateTLSHandshake:
		return "TlsHandshake"
	case StateLogin:
		return "Login"
	case StateLoggedIn:
		return "LoggedIn"
	case StateIdle:
		return "Idle"
	case StateExecuting:
		return "Executing"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ConnectionInfo holds the immutable parameters of a connection.
type ConnectionInfo struct {
	Host     string
	Port     int
	Database string

	AppName  string
	Language string

	Encryption      EncryptionPolicy
	TrustServerCert bool

	PacketSize     int
	ReadOnlyIntent bool

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Addr returns the dial address.
func (i ConnectionInfo) Addr() string {
	port := i.Port
	if port == 0 {
		port = 1433
	}
	return net.JoinHostPort(i.Host, strconv.Itoa(port))
}

// AuthStrategy is the contract a Connection needs from an
// authentication method. The auth package provides implementations.
type AuthStrategy interface {
	// ApplyToLogin7 fills credential fields of the LOGIN7 record.
	ApplyToLogin7(l *Login7Request)
	// NeedsFedAuth reports whether the login announces the federated
	// authentication feature extension.
	NeedsFedAuth() bool
	// FetchToken returns the bearer token sent after FEDAUTHINFO.
	FetchToken(ctx context.Context) (string, error)
}

// Conn is a client connection to a SQL Server endpoint. A Conn is owned
// by exactly one goroutine at a time; the pool transfers ownership on
// acquire and release.
type Conn struct {
	id    uint64
	epoch uint64
	info  ConnectionInfo

	framer  *Framer
	netConn net.Conn
	tlsConn *tls.Conn

	mu               sync.Mutex
	state            State
	attentionPending bool
	lastUsed         time.Time
	reader           *TokenReader // in-flight response, if Executing

	// Session state tracked from ENVCHANGE tokens.
	database  string
	language  string
	collation Collation
	txnDesc   [8]byte

	logger *log.CategoryLogger
}

// ID returns the pool-unique connection id.
func (c *Conn) ID() uint64 { return c.id }

// Epoch returns the monotonic acquisition epoch.
func (c *Conn) Epoch() uint64 { return c.epoch }

// BumpEpoch advances the acquisition epoch and stamps last-used.
func (c *Conn) BumpEpoch() {
	c.mu.Lock()
	c.epoch++
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// LastUsed returns the last-used timestamp.
func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Touch stamps the last-used timestamp.
func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Collation returns the session collation from login.
func (c *Conn) Collation() Collation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collation
}

// Database returns the current database.
func (c *Conn) Database() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.database
}

// Language returns the session language.
func (c *Conn) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

// AttentionPending reports whether an attention awaits acknowledgement.
func (c *Conn) AttentionPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attentionPending
}

// Connect dials the server and performs the PRELOGIN, TLS, LOGIN7 and
// federated authentication sequence. On return the connection is
// LoggedIn. A cancelled context aborts the handshake and the connection
// is Failed.
func Connect(ctx context.Context, id uint64, info ConnectionInfo, strategy AuthStrategy, logger *log.Logger) (*Conn, error) {
	if logger == nil {
		logger = log.Default()
	}
	c := &Conn{
		id:       id,
		info:     info,
		state:    StateInitial,
		lastUsed: time.Now(),
		logger: logger.ForCategory(log.CategoryProtocol).
			WithField("conn", id).
			WithField("addr", info.Addr()),
	}

	if err := c.connect(ctx, strategy); err != nil {
		c.fail()
		return nil, err
	}
	return c, nil
}

func (c *Conn) connect(ctx context.Context, strategy AuthStrategy) error {
	dialer := &net.Dialer{Timeout: c.info.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", c.info.Addr())
	if err != nil {
		return errors.Wrapf(err, errors.ErrCodeIoConnect,
			"connecting to %s", c.info.Addr()).
			WithSuggestion("check that the server is reachable and the host/port options are correct")
	}
	c.netConn = netConn
	c.framer = NewFramer(netConn)
	if c.info.ReadTimeout > 0 {
		c.framer.SetReadTimeout(c.info.ReadTimeout)
	}
	if c.info.WriteTimeout > 0 {
		c.framer.SetWriteTimeout(c.info.WriteTimeout)
	}
	c.setState(StatePrelogin)

	// Abort the handshake when the context is cancelled; closing the
	// socket unblocks any pending read.
	handshakeDone := make(chan struct{})
	defer close(handshakeDone)
	go func() {
		select {
		case <-ctx.Done():
			netConn.Close()
		case <-handshakeDone:
		}
	}()

	resp, err := c.prelogin(strategy)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "connection cancelled during prelogin")
		}
		return err
	}

	encrypt, err := c.negotiateEncryption(resp.Encryption)
	if err != nil {
		return err
	}

	if encrypt {
		c.setState(StateTLSHandshake)
		tlsConn, err := upgradeToTLS(c.framer, c.info.Host, c.info.TrustServerCert, c.info.ConnectTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "connection cancelled during TLS handshake")
			}
			return errors.Wrap(err, errors.ErrCodeIoTLSHandshake, "negotiating TLS").
				WithSuggestion("set trust_server_certificate=true for servers with self-signed certificates")
		}
		c.tlsConn = tlsConn
		c.logger.Debug("TLS established", nil)
	}

	c.setState(StateLogin)
	if err := c.login(ctx, strategy, resp); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), errors.ErrCodeCancelled, "connection cancelled during login")
		}
		return err
	}

	c.setState(StateLoggedIn)
	c.logger.Debug("login complete", map[string]interface{}{"database": c.Database()})
	return nil
}

func (c *Conn) prelogin(strategy AuthStrategy) (*PreloginResponse, error) {
	var encryption uint8
	switch c.info.Encryption {
	case EncryptionRequired:
		encryption = EncryptOn
	case EncryptionOff:
		encryption = EncryptNotSup
	default:
		encryption = EncryptOff
	}

	req := &PreloginRequest{
		Encryption:      encryption,
		ThreadID:        uint32(os.Getpid()),
		FedAuthRequired: strategy.NeedsFedAuth(),
	}

	c.framer.ResetSequence()
	if err := c.framer.WriteMessage(PacketPrelogin, req.Encode()); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeIoWrite, "sending PRELOGIN")
	}

	pktType, payload, err := c.framer.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeIoRead, "reading PRELOGIN response")
	}
	if pktType != PacketReply {
		return nil, errors.Newf(errors.ErrCodeProtoWrongPacketType,
			"expected TABULAR_RESULT for PRELOGIN response, got %s", pktType)
	}

	resp, err := ParsePreloginResponse(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeProtoMalformedToken, "parsing PRELOGIN response")
	}
	return resp, nil
}

// negotiateEncryption reconciles the client policy with the server's
// answer and reports whether to run the TLS handshake.
func (c *Conn) negotiateEncryption(server uint8) (bool, error) {
	switch c.info.Encryption {
	case EncryptionRequired:
		if server == EncryptNotSup {
			return false, errors.New(errors.ErrCodeIoTLSHandshake,
				"server does not support encryption but encrypt=required").
				WithSuggestion("relax the encrypt option or enable TLS on the server")
		}
		return true, nil
	case EncryptionOff:
		// The server may still force encryption for everything.
		if server == EncryptReq || server == EncryptOn {
			return true, nil
		}
		return false, nil
	default: // preferred
		return server != EncryptNotSup, nil
	}
}

func (c *Conn) login(ctx context.Context, strategy AuthStrategy, prelogin *PreloginResponse) error {
	hostname, _ := os.Hostname()
	appName := c.info.AppName
	if appName == "" {
		appName = "mssql-extension"
	}

	packetSize := c.info.PacketSize
	if packetSize == 0 {
		packetSize = DefaultPacketSize
	}

	login := &Login7Request{
		TDSVersion:     VerTDS74,
		PacketSize:     uint32(packetSize),
		ClientProgVer:  version.ProgVersion(),
		ClientPID:      uint32(os.Getpid()),
		HostName:       hostname,
		AppName:        appName,
		ServerName:     c.info.Host,
		CtlIntName:     "mssql-extension",
		Language:       c.info.Language,
		Database:       c.info.Database,
		ReadOnlyIntent: c.info.ReadOnlyIntent,
		FedAuthEcho:    prelogin.FedAuthRequired,
	}
	strategy.ApplyToLogin7(login)

	c.framer.ResetSequence()
	if err := c.framer.WriteMessage(PacketLogin7, login.Encode()); err != nil {
		return errors.Wrap(err, errors.ErrCodeIoWrite, "sending LOGIN7")
	}

	return c.loginResponse(ctx, strategy, prelogin.Nonce)
}

// loginResponse drains the login token stream, answering FEDAUTHINFO
// with a token message when federated authentication is in progress.
func (c *Conn) loginResponse(ctx context.Context, strategy AuthStrategy, nonce []byte) error {
	sawLoginAck := false

	for {
		tr := NewTokenReader(c.framer)
		var fedAuthInfo *FedAuthInfoToken

		for {
			tok, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeProtoMalformedToken, "reading login response")
			}

			switch v := tok.(type) {
			case *LoginAckToken:
				sawLoginAck = true
				c.logger.Debug("login acknowledged", map[string]interface{}{
					"server": v.ProgName, "tds_version": fmt.Sprintf("0x%08X", v.TDSVersion),
				})
			case *FedAuthInfoToken:
				fedAuthInfo = v
			case *EnvChangeToken:
				c.ApplyEnvChange(v)
			case *SQLMessageToken:
				if v.IsError {
					return loginError(v)
				}
				c.logger.Info(v.Message, map[string]interface{}{"number": v.Number})
			case *DoneToken:
				if v.Status&DoneSrvError != 0 {
					return errors.New(errors.ErrCodeAuthFedAuthNegotiation, "login failed")
				}
			}
		}

		if fedAuthInfo != nil {
			if err := c.sendFedAuthToken(ctx, strategy, fedAuthInfo, nonce); err != nil {
				return err
			}
			// The real login response follows the token message.
			continue
		}

		if !sawLoginAck {
			return errors.New(errors.ErrCodeAuthFedAuthNegotiation,
				"server closed login exchange without LOGINACK")
		}
		return nil
	}
}

func (c *Conn) sendFedAuthToken(ctx context.Context, strategy AuthStrategy, info *FedAuthInfoToken, nonce []byte) error {
	token, err := strategy.FetchToken(ctx)
	if err != nil {
		return errors.Wrapf(err, errors.ErrCodeAuthTokenFetch,
			"acquiring federated auth token for %s", info.SPN)
	}

	c.logger.Debug("sending federated auth token", map[string]interface{}{
		"sts_url": info.STSURL, "spn": info.SPN,
	})

	c.framer.ResetSequence()
	if err := c.framer.WriteMessage(PacketFedAuthToken, EncodeFedAuthToken(token, nonce)); err != nil {
		return errors.Wrap(err, errors.ErrCodeIoWrite, "sending FEDAUTH token")
	}
	return nil
}

// loginError classifies a server error during login. Authentication
// failures surface as AuthError; everything else stays a RemoteError.
func loginError(m *SQLMessageToken) error {
	switch m.Number {
	case 18456, 18452, 4060, 916:
		return errors.Newf(errors.ErrCodeAuthMissingCredentials,
			"login rejected by server: %s", m.Message).
			WithSuggestion("verify the user, password or token, and database options")
	}
	return &errors.RemoteError{
		Number: m.Number, State: m.State, Class: m.Class,
		Message: m.Message, Server: m.Server, Proc: m.Proc, Line: m.Line,
	}
}

// ApplyEnvChange updates session state from an ENVCHANGE token.
func (c *Conn) ApplyEnvChange(env *EnvChangeToken) {
	switch env.Type {
	case EnvDatabase:
		c.mu.Lock()
		c.database = env.NewValue
		c.mu.Unlock()
	case EnvLanguage:
		c.mu.Lock()
		c.language = env.NewValue
		c.mu.Unlock()
	case EnvPacketSize:
		if size, err := strconv.Atoi(env.NewValue); err == nil {
			c.framer.SetPacketSize(size)
		}
	case EnvSQLCollation:
		if len(env.NewBytes) >= 5 {
			c.mu.Lock()
			c.collation = ParseCollation(env.NewBytes)
			c.mu.Unlock()
		}
	case EnvBeginTran:
		c.mu.Lock()
		copy(c.txnDesc[:], env.NewBytes)
		c.mu.Unlock()
	case EnvCommitTran, EnvRollbackTran:
		c.mu.Lock()
		c.txnDesc = [8]byte{}
		c.mu.Unlock()
	case EnvRouting:
		c.logger.Warn("server requested routing", map[string]interface{}{"target": env.NewValue})
	}
}

// MarkIdle moves a logged-in or executing connection to Idle.
func (c *Conn) MarkIdle() {
	c.mu.Lock()
	if c.state == StateLoggedIn || c.state == StateExecuting {
		c.state = StateIdle
	}
	c.reader = nil
	c.lastUsed = time.Now()
	c.mu.Unlock()
}

// fail marks the connection Failed and closes the socket. A Failed
// connection is never reused.
func (c *Conn) fail() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.mu.Unlock()
	if c.netConn != nil {
		c.netConn.Close()
	}
}

// Fail marks the connection Failed after an I/O or protocol error.
func (c *Conn) Fail() { c.fail() }

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()
	if c.netConn != nil {
		return c.netConn.Close()
	}
	return nil
}

// RequestReset marks the next request with the reset-connection status
// bit, restoring default session state server-side.
func (c *Conn) RequestReset() {
	c.framer.RequestReset()
}

// allHeaders builds the ALL_HEADERS prefix carried by SQL_BATCH and RPC
// requests: a transaction-descriptor header with the current
// transaction id and an outstanding-request count of one.
func (c *Conn) allHeaders() []byte {
	buf := make([]byte, 22)
	// Total length, then one header: length, type 2, txn descriptor,
	// outstanding request count.
	buf[0] = 22
	buf[4] = 18
	buf[8] = 2
	c.mu.Lock()
	copy(buf[10:18], c.txnDesc[:])
	c.mu.Unlock()
	buf[18] = 1
	return buf
}

// ExecBatch sends a SQL_BATCH request and returns the token reader for
// its response. The connection must be Idle or LoggedIn; it transitions
// to Executing until the response is drained.
func (c *Conn) ExecBatch(ctx context.Context, sql string) (*TokenReader, error) {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateLoggedIn {
		state := c.state
		c.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeProtoInvalidState,
			"cannot execute on connection %d in state %s", c.id, state)
	}
	c.state = StateExecuting
	c.lastUsed = time.Now()
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		c.setState(StateIdle)
		return nil, errors.Wrap(err, errors.ErrCodeCancelled, "query cancelled before send")
	}

	payload := append(c.allHeaders(), stringToUCS2(sql)...)
	c.framer.ResetSequence()
	if err := c.framer.WriteMessage(PacketSQLBatch, payload); err != nil {
		c.fail()
		return nil, errors.Wrap(err, errors.ErrCodeIoWrite, "sending SQL batch")
	}

	tr := NewTokenReader(c.framer)
	c.mu.Lock()
	c.reader = tr
	c.mu.Unlock()
	return tr, nil
}

// DrainCurrent drains any in-flight response within the given time
// bound so the connection can return to Idle. Used by the pool when a
// connection is released mid-query. Exceeding the bound fails the
// connection.
func (c *Conn) DrainCurrent(bound time.Duration) error {
	c.mu.Lock()
	tr := c.reader
	pending := c.attentionPending
	state := c.state
	c.mu.Unlock()

	if state != StateExecuting || tr == nil {
		return nil
	}

	saved := c.framer.readTimeout
	if bound > 0 {
		c.framer.SetReadTimeout(bound)
		defer c.framer.SetReadTimeout(saved)
	}

	if pending {
		return c.DrainToAttentionAck(tr)
	}
	return c.DrainToEnd(tr)
}

// SendAttention sends an out-of-band ATTENTION packet asking the server
// to cancel the current request. The caller must keep draining tokens
// until the DONE with the attention-acknowledged bit.
func (c *Conn) SendAttention() error {
	c.mu.Lock()
	if c.state != StateExecuting {
		state := c.state
		c.mu.Unlock()
		return errors.Newf(errors.ErrCodeProtoInvalidState,
			"attention on connection %d in state %s", c.id, state)
	}
	c.attentionPending = true
	c.mu.Unlock()

	if err := c.framer.WriteMessage(PacketAttention, nil); err != nil {
		c.fail()
		return errors.Wrap(err, errors.ErrCodeIoWrite, "sending attention")
	}
	c.logger.Debug("attention sent", nil)
	return nil
}

// DrainToAttentionAck reads and discards tokens until the server
// acknowledges the attention, then returns the connection to Idle.
func (c *Conn) DrainToAttentionAck(tr *TokenReader) error {
	for {
		tok, err := tr.Next()
		if err == io.EOF {
			// Acknowledgement can arrive in a follow-up message.
			tr = NewTokenReader(c.framer)
			continue
		}
		if err != nil {
			c.fail()
			return errors.Wrap(err, errors.ErrCodeIoRead, "draining after attention")
		}
		if done, ok := tok.(*DoneToken); ok && done.Attention() {
			c.mu.Lock()
			c.attentionPending = false
			c.state = StateIdle
			c.lastUsed = time.Now()
			c.mu.Unlock()
			return nil
		}
	}
}

// DrainToEnd reads and discards tokens to the end of the response,
// returning the connection to Idle. Used when a consumer abandons a
// stream without cancelling.
func (c *Conn) DrainToEnd(tr *TokenReader) error {
	for {
		tok, err := tr.Next()
		if err == io.EOF {
			c.MarkIdle()
			return nil
		}
		if err != nil {
			c.fail()
			return errors.Wrap(err, errors.ErrCodeIoRead, "draining response")
		}
		if env, ok := tok.(*EnvChangeToken); ok {
			c.ApplyEnvChange(env)
		}
	}
}

// Ping issues the health probe and drains its response.
func (c *Conn) Ping(ctx context.Context) error {
	tr, err := c.ExecBatch(ctx, "SELECT 1")
	if err != nil {
		return err
	}
	for {
		tok, err := tr.Next()
		if err == io.EOF {
			c.MarkIdle()
			return nil
		}
		if err != nil {
			c.fail()
			return errors.Wrap(err, errors.ErrCodeIoRead, "reading health probe response")
		}
		if m, ok := tok.(*SQLMessageToken); ok && m.IsError {
			c.fail()
			return &errors.RemoteError{
				Number: m.Number, State: m.State, Class: m.Class,
				Message: m.Message, Server: m.Server, Proc: m.Proc, Line: m.Line,
			}
		}
	}
}
