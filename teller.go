package gcpconfig

import (
	"context"
	"sync"
)

// Teller is a mechanism to lazily fetch variables from Runtime Configurator.
type Teller struct {
	values  map[string]string
	err     error
	valOnce sync.Once

	configName    string
	variableNames []string
}

// NewTeller will return a Teller instance to fetch the given variables of configName
// just one time.
func NewTeller(configName string, variableNames ...string) *Teller {
	return &Teller{configName: configName, variableNames: variableNames}
}

// Tell will get the variables within a sync.Once. If they have already been fetched,
// Runtime Configurator will not be contacted again and the first result, including
// any error, is returned.
// Users will likely want to put this method call in their service middleware and enable
// warm up requests in hopes of fetching the variables before exposing the service to
// users.
func (t *Teller) Tell(ctx context.Context, cfg Config) (map[string]string, error) {
	t.valOnce.Do(func() {
		var vals []string
		vals, t.err = GetVariables(ctx, cfg, t.configName, t.variableNames)
		if t.err != nil {
			return
		}
		t.values = make(map[string]string, len(vals))
		for i, name := range t.variableNames {
			t.values[name] = vals[i]
		}
	})
	return t.values, t.err
}
