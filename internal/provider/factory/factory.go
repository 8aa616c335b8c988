package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"streamrelay/internal/config"
	"streamrelay/internal/models"
	"streamrelay/internal/provider"
)

const (
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// RegisterConfiguredProfiles converts configured profiles into registry entries.
func RegisterConfiguredProfiles(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	for _, pc := range cfg.Profiles {
		profile, err := NewProfile(pc)
		if err != nil {
			return err
		}
		if err := registry.RegisterProfile(profile); err != nil {
			return fmt.Errorf("register profile %s: %w", pc.ID, err)
		}
	}
	return nil
}

// NewProfile maps one configured profile onto its access and model descriptors.
func NewProfile(pc config.ProfileConfig) (provider.Profile, error) {
	dialect, ok := models.ParseDialect(pc.Dialect)
	if !ok {
		return provider.Profile{}, fmt.Errorf("profile %s: unknown dialect %q", pc.ID, pc.Dialect)
	}

	descriptors := make([]models.ModelDescriptor, 0, len(pc.Models))
	for _, mc := range pc.Models {
		descriptors = append(descriptors, models.ModelDescriptor{
			ID:              mc.ID,
			Temperature:     mc.Temperature,
			MaxOutputTokens: mc.MaxOutputTokens,
			VendorOptions:   mc.Options,
		})
	}

	return provider.Profile{
		ID: pc.ID,
		Access: models.AccessDescriptor{
			Dialect:    dialect,
			APIKey:     pc.APIKey,
			Host:       pc.Host,
			OrgID:      pc.OrgID,
			APIVersion: pc.APIVersion,
			Headers:    pc.Headers,
		},
		Models:  descriptors,
		Aliases: pc.Aliases,
	}, nil
}

// NewHTTPClient returns the shared upstream client. It sets no overall timeout so
// long streams are not cut off; cfg.Timeout bounds the wait for response headers.
func NewHTTPClient(cfg config.UpstreamConfig, traced bool) *http.Client {
	var transport http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
	}
	if traced {
		transport = otelhttp.NewTransport(transport)
	}

	return &http.Client{Transport: transport}
}
