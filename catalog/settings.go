package catalog

import (
	"regexp"
	"strconv"
	"time"

	"github.com/microsoft/go-mssqldb/msdsn"

	"github.com/hugr-lab/mssql-extension-sub009/pkg/errors"
	"github.com/hugr-lab/mssql-extension-sub009/pool"
	"github.com/hugr-lab/mssql-extension-sub009/tds"
)

// Option names recognized everywhere an attachment is defined.
const (
	OptHost            = "host"
	OptPort            = "port"
	OptDatabase        = "database"
	OptUser            = "user"
	OptPassword        = "password"
	OptEncrypt         = "encrypt"
	OptTrustServerCert = "trust_server_certificate"
	OptSchemaFilter    = "schema_filter"
	OptTableFilter     = "table_filter"
	OptConnectionLimit = "connection_limit"
	OptIdleTimeout     = "idle_timeout"
	OptAcquireTimeout  = "acquire_timeout"
	OptCacheTTL        = "catalog_cache_ttl_seconds"
	OptOrderPushdown   = "order_pushdown"
	OptVarcharCast     = "varchar_to_nvarchar"
	OptAccessToken     = "access_token"
	OptAppName         = "app_name"
	OptAppIntent       = "application_intent"
)

var knownOptions = map[string]bool{
	OptHost: true, OptPort: true, OptDatabase: true, OptUser: true,
	OptPassword: true, OptEncrypt: true, OptTrustServerCert: true,
	OptSchemaFilter: true, OptTableFilter: true, OptConnectionLimit: true,
	OptIdleTimeout: true, OptAcquireTimeout: true, OptCacheTTL: true,
	OptOrderPushdown: true, OptVarcharCast: true, OptAccessToken: true,
	OptAppName: true, OptAppIntent: true,
}

// Settings are the effective per-attachment options after precedence
// resolution.
type Settings struct {
	Info tds.ConnectionInfo

	User        string
	Password    string
	AccessToken string

	SchemaFilterExpr string
	TableFilterExpr  string
	SchemaFilter     *regexp.Regexp
	TableFilter      *regexp.Regexp

	Pool pool.Config

	CacheTTL          time.Duration
	OrderPushdown     bool
	VarcharToNvarchar bool
}

// ParseSettings resolves options with precedence ATTACH >
// connection-string > secret. The connection string accepts both the
// sqlserver:// URL and the ADO key=value form.
func ParseSettings(attachOpts map[string]string, connString string, secretOpts map[string]string) (*Settings, error) {
	s := &Settings{}

	// Lowest precedence first; later layers overwrite.
	if err := s.applyOptions(secretOpts); err != nil {
		return nil, err
	}
	if connString != "" {
		if err := s.applyConnString(connString); err != nil {
			return nil, err
		}
	}
	if err := s.applyOptions(attachOpts); err != nil {
		return nil, err
	}

	if s.Info.Host == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalidOption, "no host configured").
			WithSuggestion("set the host option or provide a connection string")
	}

	var err error
	if s.SchemaFilterExpr != "" {
		if s.SchemaFilter, err = compileFilter(s.SchemaFilterExpr); err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeConfigInvalidRegex,
				"invalid schema_filter %q", s.SchemaFilterExpr)
		}
	}
	if s.TableFilterExpr != "" {
		if s.TableFilter, err = compileFilter(s.TableFilterExpr); err != nil {
			return nil, errors.Wrapf(err, errors.ErrCodeConfigInvalidRegex,
				"invalid table_filter %q", s.TableFilterExpr)
		}
	}

	return s, nil
}

// compileFilter builds the case-insensitive partial-match regex.
func compileFilter(expr string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + expr)
}

func (s *Settings) applyConnString(connString string) error {
	cfg, err := msdsn.Parse(connString)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConfigBadConnString, "parsing connection string")
	}

	s.Info.Host = cfg.Host
	if cfg.Port != 0 {
		s.Info.Port = int(cfg.Port)
	}
	s.Info.Database = cfg.Database
	s.User = cfg.User
	s.Password = cfg.Password
	if cfg.AppName != "" {
		s.Info.AppName = cfg.AppName
	}
	s.Info.ReadOnlyIntent = cfg.ReadOnlyIntent
	if cfg.DialTimeout > 0 {
		s.Info.ConnectTimeout = cfg.DialTimeout
	}

	switch cfg.Encryption {
	case msdsn.EncryptionRequired, msdsn.EncryptionStrict:
		s.Info.Encryption = tds.EncryptionRequired
	case msdsn.EncryptionDisabled:
		s.Info.Encryption = tds.EncryptionOff
	default:
		s.Info.Encryption = tds.EncryptionPreferred
	}
	s.Info.TrustServerCert = cfg.TLSConfig != nil && cfg.TLSConfig.InsecureSkipVerify

	return nil
}

func (s *Settings) applyOptions(opts map[string]string) error {
	for key, value := range opts {
		if !knownOptions[key] {
			return errors.Newf(errors.ErrCodeConfigInvalidOption, "unknown option %q", key).
				WithSuggestion("check the attachment options for typos")
		}
		if err := s.applyOption(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Settings) applyOption(key, value string) error {
	switch key {
	case OptHost:
		s.Info.Host = value
	case OptPort:
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			return errors.Newf(errors.ErrCodeConfigInvalidOption, "invalid port %q", value)
		}
		s.Info.Port = port
	case OptDatabase:
		s.Info.Database = value
	case OptUser:
		s.User = value
	case OptPassword:
		s.Password = value
	case OptEncrypt:
		policy, err := tds.ParseEncryptionPolicy(value)
		if err != nil {
			return errors.Wrapf(err, errors.ErrCodeConfigInvalidOption, "invalid encrypt option").
				WithSuggestion("use one of off, preferred, required")
		}
		s.Info.Encryption = policy
	case OptTrustServerCert:
		b, err := parseBool(value)
		if err != nil {
			return errors.Newf(errors.ErrCodeConfigInvalidOption,
				"invalid trust_server_certificate %q", value)
		}
		s.Info.TrustServerCert = b
	case OptSchemaFilter:
		s.SchemaFilterExpr = value
	case OptTableFilter:
		s.TableFilterExpr = value
	case OptConnectionLimit:
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return errors.Newf(errors.ErrCodeConfigInvalidOption, "invalid connection_limit %q", value)
		}
		s.Pool.MaxSize = n
	case OptIdleTimeout:
		d, err := parseSeconds(value)
		if err != nil {
			return errors.Newf(errors.ErrCodeConfigInvalidOption, "invalid idle_timeout %q", value)
		}
		s.Pool.IdleTimeout = d
	case OptAcquireTimeout:
		d, err := parseSeconds(value)
		if err != nil {
			return errors.Newf(errors.ErrCodeConfigInvalidOption, "invalid acquire_timeout %q", value)
		}
		s.Pool.AcquireTimeout = d
	case OptCacheTTL:
		secs, err := strconv.Atoi(value)
		if err != nil || secs < 0 {
			return errors.Newf(errors.ErrCodeConfigInvalidOption,
				"invalid catalog_cache_ttl_seconds %q", value)
		}
		s.CacheTTL = time.Duration(secs) * time.Second
	case OptOrderPushdown:
		b, err := parseBool(value)
		if err != nil {
			return errors.Newf(errors.ErrCodeConfigInvalidOption, "invalid order_pushdown %q", value)
		}
		s.OrderPushdown = b
	case OptVarcharCast:
		b, err := parseBool(value)
		if err != nil {
			return errors.Newf(errors.ErrCodeConfigInvalidOption, "invalid varchar_to_nvarchar %q", value)
		}
		s.VarcharToNvarchar = b
	case OptAccessToken:
		s.AccessToken = value
	case OptAppName:
		s.Info.AppName = value
	case OptAppIntent:
		s.Info.ReadOnlyIntent = value == "ReadOnly" || value == "readonly" || value == "read_only"
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch value {
	case "true", "1", "on", "yes":
		return true, nil
	case "false", "0", "off", "no":
		return false, nil
	}
	return strconv.ParseBool(value)
}

// parseSeconds accepts either a bare number of seconds or a Go
// duration string.
func parseSeconds(value string) (time.Duration, error) {
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, errors.Newf(errors.ErrCodeConfigInvalidOption, "negative duration %q", value)
		}
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(value)
}
