package service

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/idbroker/idbroker/internal/cache"
	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/metrics"
	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/utils"

	"github.com/crewjam/saml"
	"github.com/rs/zerolog/log"
)

const (
	samlReplayPrefix     = "saml:assertion:"
	samlDefaultReplayTTL = time.Hour
)

// SAMLAssertion is the part of an assertion the bridge cares about, either
// taken from a verified SAMLResponse or from a development field post
type SAMLAssertion struct {
	ID         string
	NameID     string
	Attributes map[string][]string
}

type SAMLTenant struct {
	Name                    string
	UUID                    string
	OrganizationID          string
	AppRedirectURL          string
	ClientID                string
	IdPSSOURL               string
	IdPSLOURL               string
	AllowUnsignedAssertions bool
	sp                      *saml.ServiceProvider
}

func (tenant *SAMLTenant) Verifiable() bool {
	return tenant.sp.IDPMetadata != nil
}

type SAMLServiceConfig struct {
	AppURL  string
	Tenants map[string]config.SAMLTenantConfig
	Now     func() time.Time
}

type SAMLService struct {
	config   SAMLServiceConfig
	clients  *ClientService
	identity *IdentityService
	cache    cache.Store
	tenants  map[string]*SAMLTenant
	now      func() time.Time
}

func NewSAMLService(config SAMLServiceConfig, clients *ClientService, identity *IdentityService, store cache.Store) *SAMLService {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &SAMLService{
		config:   config,
		clients:  clients,
		identity: identity,
		cache:    store,
		tenants:  make(map[string]*SAMLTenant),
		now:      now,
	}
}

func (bridge *SAMLService) Init() error {
	for name, cfg := range bridge.config.Tenants {
		tenant, err := bridge.buildTenant(name, cfg)
		if err != nil {
			return fmt.Errorf("saml tenant %s: %w", name, err)
		}
		bridge.tenants[tenant.UUID] = tenant
		log.Info().Str("tenant", name).Str("uuid", tenant.UUID).Bool("verified", tenant.Verifiable()).Msg("Initialized SAML tenant")
	}
	return nil
}

func (bridge *SAMLService) buildTenant(name string, cfg config.SAMLTenantConfig) (*SAMLTenant, error) {
	tenantUUID := cfg.UUID
	if tenantUUID == "" {
		tenantUUID = utils.GenerateUUID("saml:" + name)
	}

	org, err := bridge.clients.GetOrganization(context.Background(), cfg.Organization)
	if err != nil {
		return nil, err
	}

	base := fmt.Sprintf("%s/saml/%s", strings.TrimSuffix(bridge.config.AppURL, "/"), tenantUUID)

	metadataURL, err := url.Parse(base + "/metadata")
	if err != nil {
		return nil, fmt.Errorf("invalid app url: %w", err)
	}
	acsURL, _ := url.Parse(base + "/acs")
	slsURL, _ := url.Parse(base + "/sls")

	sp := &saml.ServiceProvider{
		EntityID:          metadataURL.String(),
		MetadataURL:       *metadataURL,
		AcsURL:            *acsURL,
		SloURL:            *slsURL,
		AuthnNameIDFormat: saml.EmailAddressNameIDFormat,
		AllowIDPInitiated: true,
	}

	tenant := &SAMLTenant{
		Name:                    name,
		UUID:                    tenantUUID,
		OrganizationID:          org.ID,
		AppRedirectURL:          cfg.AppRedirectURL,
		ClientID:                cfg.ClientID,
		IdPSSOURL:               cfg.IdPSSOURL,
		IdPSLOURL:               cfg.IdPSLOURL,
		AllowUnsignedAssertions: cfg.AllowUnsignedAssertions,
		sp:                      sp,
	}

	metadataXML := cfg.IdPMetadata
	if metadataXML == "" && cfg.IdPMetadataFile != "" {
		metadataXML, err = utils.ReadFile(cfg.IdPMetadataFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read idp metadata: %w", err)
		}
	}

	if metadataXML != "" {
		var metadata saml.EntityDescriptor
		if err := xml.Unmarshal([]byte(metadataXML), &metadata); err != nil {
			return nil, fmt.Errorf("failed to parse idp metadata: %w", err)
		}
		sp.IDPMetadata = &metadata
		applyIdPEndpoints(tenant, &metadata)
	}

	if !tenant.Verifiable() && !tenant.AllowUnsignedAssertions {
		return nil, errors.New("idp metadata is required unless allowUnsignedAssertions is set")
	}

	if tenant.IdPSSOURL == "" {
		return nil, errors.New("no idp sso url configured or found in metadata")
	}

	if tenant.AllowUnsignedAssertions {
		log.Warn().Str("tenant", name).Msg("SAML tenant accepts unsigned assertions, do not use this in production")
	}

	return tenant, nil
}

func applyIdPEndpoints(tenant *SAMLTenant, metadata *saml.EntityDescriptor) {
	if len(metadata.IDPSSODescriptors) == 0 {
		return
	}

	descriptor := metadata.IDPSSODescriptors[0]

	if tenant.IdPSSOURL == "" {
		for _, sso := range descriptor.SingleSignOnServices {
			if sso.Binding == saml.HTTPRedirectBinding || sso.Binding == saml.HTTPPostBinding {
				tenant.IdPSSOURL = sso.Location
				break
			}
		}
	}

	if tenant.IdPSLOURL == "" {
		for _, slo := range descriptor.SingleLogoutServices {
			if slo.Binding == saml.HTTPRedirectBinding || slo.Binding == saml.HTTPPostBinding {
				tenant.IdPSLOURL = slo.Location
				break
			}
		}
	}
}

func (bridge *SAMLService) GetTenant(tenantUUID string) (*SAMLTenant, error) {
	tenant, ok := bridge.tenants[tenantUUID]
	if !ok {
		return nil, fmt.Errorf("%w: saml tenant", ErrNotFound)
	}
	return tenant, nil
}

func (bridge *SAMLService) BuildLoginRedirect(tenant *SAMLTenant, relayState string) (string, error) {
	return withQuery(tenant.IdPSSOURL, url.Values{"RelayState": {relayState}})
}

// BuildLogoutRedirect points at the IdP logout endpoint with the SLS URL as
// the return pointer, or straight back to the app when the IdP has none
func (bridge *SAMLService) BuildLogoutRedirect(tenant *SAMLTenant) (string, error) {
	if tenant.IdPSLOURL == "" {
		return firstNonEmpty(tenant.AppRedirectURL, bridge.config.AppURL), nil
	}
	return withQuery(tenant.IdPSLOURL, url.Values{"RelayState": {tenant.sp.SloURL.String()}})
}

func (bridge *SAMLService) GenerateMetadata(tenant *SAMLTenant) ([]byte, error) {
	metadata, err := xml.MarshalIndent(tenant.sp.Metadata(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sp metadata: %w", err)
	}
	return append([]byte(xml.Header), metadata...), nil
}

// ConsumeResponse verifies a base64 SAMLResponse (signature, validity window,
// audience and destination) and rejects assertion ids seen before
func (bridge *SAMLService) ConsumeResponse(ctx context.Context, tenant *SAMLTenant, samlResponse string) (SAMLAssertion, error) {
	if !tenant.Verifiable() {
		return SAMLAssertion{}, fmt.Errorf("%w: tenant has no idp metadata to verify responses", ErrUnauthorized)
	}

	decoded, err := base64.StdEncoding.DecodeString(samlResponse)
	if err != nil {
		return SAMLAssertion{}, fmt.Errorf("%w: SAMLResponse is not valid base64", ErrValidation)
	}

	assertion, err := tenant.sp.ParseXMLResponse(decoded, nil, tenant.sp.AcsURL)
	if err != nil {
		var invalid *saml.InvalidResponseError
		if errors.As(err, &invalid) {
			log.Warn().Err(invalid.PrivateErr).Str("tenant", tenant.Name).Msg("Rejected SAML response")
		}
		return SAMLAssertion{}, fmt.Errorf("%w: invalid SAML response", ErrUnauthorized)
	}

	if assertion.ID == "" {
		return SAMLAssertion{}, fmt.Errorf("%w: assertion has no id", ErrUnauthorized)
	}

	ttl := samlDefaultReplayTTL
	if assertion.Conditions != nil && !assertion.Conditions.NotOnOrAfter.IsZero() {
		ttl = assertion.Conditions.NotOnOrAfter.Sub(bridge.now())
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	fresh, err := bridge.cache.SetNX(ctx, samlReplayPrefix+assertion.ID, []byte(tenant.UUID), ttl)
	if err != nil {
		return SAMLAssertion{}, fmt.Errorf("failed to record assertion id: %w", err)
	}
	if !fresh {
		return SAMLAssertion{}, fmt.Errorf("%w: assertion already used", ErrUnauthorized)
	}

	result := SAMLAssertion{
		ID:         assertion.ID,
		Attributes: make(map[string][]string),
	}

	if assertion.Subject != nil && assertion.Subject.NameID != nil {
		result.NameID = assertion.Subject.NameID.Value
	}

	for _, statement := range assertion.AttributeStatements {
		for _, attr := range statement.Attributes {
			values := make([]string, 0, len(attr.Values))
			for _, v := range attr.Values {
				values = append(values, v.Value)
			}
			result.Attributes[attr.Name] = values
			if attr.FriendlyName != "" {
				result.Attributes[attr.FriendlyName] = values
			}
		}
	}

	return result, nil
}

// ConsumeAssertion maps an assertion onto a user of the tenant organization,
// keyed by the email attribute and falling back to the NameID
func (bridge *SAMLService) ConsumeAssertion(ctx context.Context, tenant *SAMLTenant, assertion SAMLAssertion, ip string) (repository.User, error) {
	profile := samlProfile(assertion)

	if profile.Email == "" {
		metrics.Logins.WithLabelValues(ProviderSAML, "failure").Inc()
		return repository.User{}, fmt.Errorf("%w: assertion carries neither an email nor a nameID", ErrValidation)
	}

	user, created, err := bridge.identity.FindOrCreate(ctx, tenant.OrganizationID, profile)
	if err != nil {
		metrics.Logins.WithLabelValues(ProviderSAML, "failure").Inc()
		return repository.User{}, err
	}

	if err := bridge.identity.RecordLoginSuccess(ctx, user, ip, ProviderSAML); err != nil {
		return repository.User{}, err
	}

	metrics.Logins.WithLabelValues(ProviderSAML, "success").Inc()
	log.Debug().Str("tenant", tenant.Name).Str("user_id", user.ID).Bool("created", created).Msg("Consumed SAML assertion")

	return user, nil
}

var samlAttributeNames = map[string][]string{
	"email":   {"email", "mail", "emailaddress", "urn:oid:0.9.2342.19200300.100.1.3", "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress"},
	"given":   {"firstname", "givenname", "given_name", "urn:oid:2.5.4.42", "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname"},
	"family":  {"lastname", "surname", "family_name", "sn", "urn:oid:2.5.4.4", "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname"},
	"name":    {"displayname", "name", "cn", "urn:oid:2.16.840.1.113730.3.1.241"},
	"picture": {"picture", "avatar"},
}

// samlAttribute picks the first candidate name present, so the result does not
// depend on map order when an IdP sends several spellings
func samlAttribute(attributes map[string][]string, kind string) string {
	keys := slices.Sorted(maps.Keys(attributes))
	for _, candidate := range samlAttributeNames[kind] {
		if values := attributes[candidate]; len(values) > 0 {
			return values[0]
		}
		for _, key := range keys {
			if values := attributes[key]; strings.EqualFold(key, candidate) && len(values) > 0 {
				return values[0]
			}
		}
	}
	return ""
}

func samlProfile(assertion SAMLAssertion) IdentityProfile {
	email := samlAttribute(assertion.Attributes, "email")
	if email == "" {
		email = assertion.NameID
	}

	return IdentityProfile{
		Email:         email,
		EmailVerified: email != "",
		Name:          samlAttribute(assertion.Attributes, "name"),
		GivenName:     samlAttribute(assertion.Attributes, "given"),
		FamilyName:    samlAttribute(assertion.Attributes, "family"),
		Picture:       samlAttribute(assertion.Attributes, "picture"),
		Attributes:    assertion.Attributes,
	}
}

func withQuery(rawURL string, values url.Values) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %s: %w", rawURL, err)
	}
	query := parsed.Query()
	for k, v := range values {
		query[k] = v
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
