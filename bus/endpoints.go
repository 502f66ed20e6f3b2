package bus

import (
	"strings"

	"github.com/gazehub/gazehub/errors"
)

// Endpoints carries the three bus endpoint addresses resolved once at
// supervisor start and passed immutably to every spawned process.
//
// All three currently resolve to the supervisor's embedded broker, but they
// are distinct roles in the wire contract and callers must treat them as
// opaque: processes publish data streams to PubURL, subscribe on SubURL, and
// push reliable control/log traffic to PushURL.
type Endpoints struct {
	PubURL  string
	SubURL  string
	PushURL string
}

// Validate checks that all three endpoint addresses are present.
func (e Endpoints) Validate() error {
	for _, url := range []string{e.PubURL, e.SubURL, e.PushURL} {
		if strings.TrimSpace(url) == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig,
				"Endpoints", "Validate", "missing endpoint address")
		}
	}
	return nil
}

// Ingress subjects. Producers push to ingressPrefix+topic; the bridge strips
// the prefix and republishes on the bare topic.
const ingressPrefix = "ingress."
