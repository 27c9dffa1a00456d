package flagship

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/TimurManjosov/flagship-go/internal/config"
)

// Settings holds every scalar knob. It is loaded from FLAGSHIP_* environment
// variables and config files by LoadOptions.
type Settings = config.Config

// ValidationError is returned by Options.Validate.
type ValidationError = config.ValidationError

// Options configures a Client.
type Options struct {
	Settings

	// Bootstrap seeds the cache before the first network call.
	Bootstrap *Bootstrap

	// Logger overrides the logger built from LogLevel and LogFormat.
	Logger *zerolog.Logger

	// MetricsRegisterer receives SDK metrics. Nil disables metrics.
	MetricsRegisterer prometheus.Registerer

	// Tracer overrides the tracer taken from the global otel provider.
	Tracer trace.Tracer

	HTTPClient *http.Client

	// RedactKeys are extra event data keys masked before events are stored or sent.
	RedactKeys []string
}

// DefaultOptions returns options with every knob at its default.
func DefaultOptions(apiKey string) Options {
	s := config.Default()
	s.APIKey = apiKey
	return Options{Settings: s}
}

// LoadOptions reads settings from the environment and, when path is not
// empty, from a config file.
func LoadOptions(path string) (Options, error) {
	s, err := config.Load(path)
	if err != nil {
		return Options{}, err
	}
	return Options{Settings: s}, nil
}

// Validate checks every knob and the bootstrap payload.
func (o Options) Validate() error {
	if err := o.Settings.Validate(); err != nil {
		return err
	}
	if o.Bootstrap != nil {
		for i, f := range o.Bootstrap.Flags {
			if strings.TrimSpace(f.Key) == "" {
				return ValidationError{Field: "bootstrap", Message: fmt.Sprintf("flag #%d has no key", i+1)}
			}
		}
	}
	return nil
}
