package config

// Version information, set at build time

var Version = "development"
var CommitHash = "development"
var BuildTimestamp = "0000-00-00T00:00:00Z"

// Cookie name templates

var SessionCookieName = "idbroker-session"
var CSRFCookieName = "idbroker-csrf"
var EIDCookieName = "idbroker-eid"

// Environment variable prefix used by the env loader

var DefaultNamePrefix = "IDBROKER_"

// Main app config

type Config struct {
	AppURL        string                        `description:"The base URL where the broker is hosted." yaml:"appUrl"`
	DatabasePath  string                        `description:"The path to the database file." yaml:"databasePath"`
	Server        ServerConfig                  `description:"Server configuration." yaml:"server"`
	Auth          AuthConfig                    `description:"Session and login configuration." yaml:"auth"`
	Tokens        TokensConfig                  `description:"Token issuance configuration." yaml:"tokens"`
	Organizations map[string]OrganizationConfig `description:"Organizations (tenants)." yaml:"organizations"`
	Clients       map[string]ClientConfig       `description:"Registered client applications." yaml:"clients"`
	SAML          map[string]SAMLTenantConfig   `description:"SAML service provider tenants." yaml:"saml"`
	OAuth         OAuthConfig                   `description:"Upstream OAuth identity providers." yaml:"oauth"`
	EID           EIDConfig                     `description:"National eID provider configuration." yaml:"eid"`
	Webhooks      WebhooksConfig                `description:"Webhook delivery configuration." yaml:"webhooks"`
	Redis         RedisConfig                   `description:"Redis cache configuration." yaml:"redis"`
	Metrics       MetricsConfig                 `description:"Prometheus metrics configuration." yaml:"metrics"`
	Log           LogConfig                     `description:"Logging configuration." yaml:"log"`
	Experimental  ExperimentalConfig            `description:"Experimental features." yaml:"experimental"`
}

type ServerConfig struct {
	Port           int    `description:"The port on which the server listens." yaml:"port"`
	Address        string `description:"The address on which the server listens." yaml:"address"`
	TrustedProxies string `description:"Comma-separated list of trusted proxy addresses." yaml:"trustedProxies"`
}

type AuthConfig struct {
	SessionExpiry   int  `description:"Session lifetime in seconds." yaml:"sessionExpiry"`
	SecureCookie    bool `description:"Set the secure flag on cookies." yaml:"secureCookie"`
	LoginTimeout    int  `description:"Account lockout duration in seconds." yaml:"loginTimeout"`
	LoginMaxRetries int  `description:"Failed logins before an account is locked." yaml:"loginMaxRetries"`
	BcryptCost      int  `description:"Work factor for password and secret hashing." yaml:"bcryptCost"`
}

type TokensConfig struct {
	Issuer             string `description:"Issuer claim for access tokens, defaults to the app URL." yaml:"issuer"`
	SigningSecret      string `description:"HMAC key for signing access tokens." yaml:"signingSecret"`
	SigningSecretFile  string `description:"Path to a file containing the signing key." yaml:"signingSecretFile"`
	AccessTokenExpiry  int    `description:"Default access token lifetime in seconds." yaml:"accessTokenExpiry"`
	RefreshTokenExpiry int    `description:"Refresh token lifetime in seconds." yaml:"refreshTokenExpiry"`
	CodeExpiry         int    `description:"Authorization code lifetime in seconds." yaml:"codeExpiry"`
	Leeway             int    `description:"Clock skew tolerated when verifying tokens, in seconds." yaml:"leeway"`
	Denylist           bool   `description:"Reject revoked access tokens at the userinfo endpoint." yaml:"denylist"`
}

type OrganizationConfig struct {
	Name string `description:"Display name of the organization." yaml:"name"`
}

type ClientConfig struct {
	ClientID             string   `description:"Client identifier." yaml:"clientId"`
	ClientSecret         string   `description:"Client secret." yaml:"clientSecret"`
	ClientSecretFile     string   `description:"Path to a file containing the client secret." yaml:"clientSecretFile"`
	Name                 string   `description:"Display name." yaml:"name"`
	Organization         string   `description:"Owning organization slug." yaml:"organization"`
	RedirectURI          string   `description:"Exact redirect URI." yaml:"redirectUri"`
	Scopes               []string `description:"Allowed scopes." yaml:"scopes"`
	Disabled             bool     `description:"Reject authorization and token requests." yaml:"disabled"`
	AccessTokenExpiry    int      `description:"Access token lifetime override in seconds." yaml:"accessTokenExpiry"`
	DisableRefreshTokens bool     `description:"Do not issue refresh tokens." yaml:"disableRefreshTokens"`
	WebhookURL           string   `description:"URL notified about protocol events." yaml:"webhookUrl"`
	WebhookSecret        string   `description:"HMAC key for webhook signatures." yaml:"webhookSecret"`
	WebhookSecretFile    string   `description:"Path to a file containing the webhook key." yaml:"webhookSecretFile"`
}

type SAMLTenantConfig struct {
	UUID                    string `description:"Tenant UUID used in SAML endpoint paths." yaml:"uuid"`
	Organization            string `description:"Owning organization slug." yaml:"organization"`
	IdPSSOURL               string `description:"Identity provider single sign-on URL." yaml:"idpSsoUrl"`
	IdPSLOURL               string `description:"Identity provider single logout URL." yaml:"idpSloUrl"`
	IdPMetadata             string `description:"Identity provider metadata XML." yaml:"idpMetadata"`
	IdPMetadataFile         string `description:"Path to the identity provider metadata XML." yaml:"idpMetadataFile"`
	AppRedirectURL          string `description:"Where users land after a SAML login." yaml:"appRedirectUrl"`
	ClientID                string `description:"Client for which a session token is issued after login." yaml:"clientId"`
	AllowUnsignedAssertions bool   `description:"Accept plain field posts at the ACS (development only)." yaml:"allowUnsignedAssertions"`
}

type OAuthConfig struct {
	Providers map[string]OAuthServiceConfig `description:"OAuth providers configuration." yaml:"providers"`
	Timeout   int                           `description:"Upstream request timeout in seconds." yaml:"timeout"`
}

type OAuthServiceConfig struct {
	ClientID           string   `description:"OAuth client ID." yaml:"clientId"`
	ClientSecret       string   `description:"OAuth client secret." yaml:"clientSecret"`
	ClientSecretFile   string   `description:"Path to the file containing the OAuth client secret." yaml:"clientSecretFile"`
	Scopes             []string `description:"OAuth scopes." yaml:"scopes"`
	RedirectURL        string   `description:"OAuth redirect URL." yaml:"redirectUrl"`
	AuthURL            string   `description:"OAuth authorization URL." yaml:"authUrl"`
	TokenURL           string   `description:"OAuth token URL." yaml:"tokenUrl"`
	UserinfoURL        string   `description:"OAuth userinfo URL." yaml:"userinfoUrl"`
	InsecureSkipVerify bool     `description:"Allow insecure OAuth connections." yaml:"insecureSkipVerify"`
	Name               string   `description:"Provider name in UI." yaml:"name"`
	Organization       string   `description:"Organization users of this provider belong to." yaml:"organization"`
	SessionClient      string   `description:"Client application that receives a session token after login." yaml:"sessionClient"`
}

type EIDConfig struct {
	Enabled            bool     `description:"Enable the national eID provider." yaml:"enabled"`
	Organization       string   `description:"Organization eID users belong to." yaml:"organization"`
	SessionClient      string   `description:"Client application that receives a session token after login." yaml:"sessionClient"`
	CallbackSecret     string   `description:"HMAC key for provider callbacks." yaml:"callbackSecret"`
	CallbackSecretFile string   `description:"Path to a file containing the callback key." yaml:"callbackSecretFile"`
	TransactionExpiry  int      `description:"Pending transaction lifetime in seconds." yaml:"transactionExpiry"`
	ApproveAfter       int      `description:"Seconds after which the mock provider approves a transaction." yaml:"approveAfter"`
	RejectIdentifiers  []string `description:"Identifiers the mock provider always rejects." yaml:"rejectIdentifiers"`
}

type WebhooksConfig struct {
	Timeout       int `description:"Delivery timeout in seconds." yaml:"timeout"`
	RetryInterval int `description:"Interval of the retry sweep in seconds." yaml:"retryInterval"`
	MaxAttempts   int `description:"Maximum delivery attempts per event." yaml:"maxAttempts"`
	BaseBackoff   int `description:"Delay before the first retry in seconds." yaml:"baseBackoff"`
}

type RedisConfig struct {
	URL string `description:"Redis connection URL, an in-memory cache is used when empty." yaml:"url"`
}

type MetricsConfig struct {
	Enabled bool `description:"Expose Prometheus metrics on /metrics." yaml:"enabled"`
}

type LogConfig struct {
	Level   string     `description:"Log level (trace, debug, info, warn, error)." yaml:"level"`
	Json    bool       `description:"Enable JSON formatted logs." yaml:"json"`
	Streams LogStreams `description:"Configuration for specific log streams." yaml:"streams"`
}

type LogStreams struct {
	HTTP  LogStreamConfig `description:"HTTP request logging." yaml:"http"`
	App   LogStreamConfig `description:"Application logging." yaml:"app"`
	Audit LogStreamConfig `description:"Audit logging." yaml:"audit"`
}

type LogStreamConfig struct {
	Enabled bool   `description:"Enable this log stream." yaml:"enabled"`
	Level   string `description:"Log level for this stream, defaults to the global level." yaml:"level"`
}

type ExperimentalConfig struct {
	ConfigFile string `description:"Path to a config file." yaml:"-"`
}

func NewDefaultConfiguration() *Config {
	return &Config{
		DatabasePath: "./idbroker.db",
		Server: ServerConfig{
			Port:    3000,
			Address: "0.0.0.0",
		},
		Auth: AuthConfig{
			SessionExpiry:   3600,
			LoginTimeout:    300,
			LoginMaxRetries: 5,
			BcryptCost:      10,
		},
		Tokens: TokensConfig{
			AccessTokenExpiry:  3600,
			RefreshTokenExpiry: 30 * 24 * 3600,
			CodeExpiry:         600,
			Leeway:             30,
			Denylist:           true,
		},
		OAuth: OAuthConfig{
			Timeout: 10,
		},
		EID: EIDConfig{
			Organization:      "default",
			TransactionExpiry: 180,
			ApproveAfter:      5,
		},
		Webhooks: WebhooksConfig{
			Timeout:       10,
			RetryInterval: 300,
			MaxAttempts:   3,
			BaseBackoff:   300,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level: "info",
			Json:  false,
			Streams: LogStreams{
				HTTP:  LogStreamConfig{Enabled: true},
				App:   LogStreamConfig{Enabled: true},
				Audit: LogStreamConfig{Enabled: true},
			},
		},
		Experimental: ExperimentalConfig{
			ConfigFile: "",
		},
	}
}

// Session / request context

type UserContext struct {
	SessionID      string
	UserID         string
	OrganizationID string
	Email          string
	Name           string
	Provider       string
	IsLoggedIn     bool
	TotpPending    bool
	TotpEnabled    bool
}

// Upstream profile claims

type Claims struct {
	Sub               string `json:"sub"`
	Name              string `json:"name"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
}

var OverrideProviders = map[string]string{
	"google": "Google",
	"github": "GitHub",
}

// API responses and queries

type RedirectQuery struct {
	RedirectURI string `url:"redirect_uri"`
}
