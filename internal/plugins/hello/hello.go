// Package hello is the reference filter. It tags every request with
// hello: world and, when mockEnable is set, answers it locally.
package hello

import (
	"go.uber.org/zap"

	"github.com/wudi/filterhost/internal/filter"
)

// TypeName is the registry name of the filter class.
const TypeName = "hello"

// Config is the decoded configuration.
type Config struct {
	MockEnable bool `json:"mockEnable"`
}

// Decode reads Config from doc. Unknown fields are ignored and a mockEnable
// that is not a boolean is treated as absent.
func Decode(doc filter.Document) (*Config, error) {
	cfg := &Config{}
	if v, ok := doc.Bool("mockEnable"); ok {
		cfg.MockEnable = v
	}
	return cfg, nil
}

// New returns an unconfigured factory. It satisfies filter.Builder.
func New() filter.ConfigurableFactory {
	return NewFactory()
}

// NewFactory is New with the concrete type, for callers that need snapshots.
func NewFactory() *filter.Root[Config] {
	return filter.NewRoot(TypeName, Config{}, Decode, newFilter)
}

type helloFilter struct {
	filter.PassThroughFilter
	handle     filter.Handle
	mockEnable bool
}

func newFilter(handle filter.Handle, cfg *Config) filter.StreamFilter {
	return &helloFilter{handle: handle, mockEnable: cfg.MockEnable}
}

func (f *helloFilter) OnRequestHeaders(headers filter.HeaderMap, _ bool) filter.Decision {
	if err := headers.Add("hello", "world"); err != nil {
		f.handle.Logger().Warn("add header failed", zap.Error(err))
	}
	if f.mockEnable {
		_ = f.handle.SendLocalResponse(filter.LocalResponse{
			Status:  200,
			Details: "hello_mock",
			Body:    []byte("hello world"),
		})
		return filter.StopIteration
	}
	return filter.Continue
}
