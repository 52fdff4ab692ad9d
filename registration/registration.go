// Package registration builds the appservice registration manifest (spec
// §6): the YAML document a homeserver operator installs so the homeserver
// knows this appservice's namespaces and bearer tokens. Manifest
// *generation* is explicitly out of scope for elaboration, but the wire
// shape is not reinvented — the core fields are the upstream SDK's own
// appservice.Registration/Namespace types, matching the teacher's reliance
// on that package for everything registration-shaped. The MSC3202/MSC2409/
// MSC4190 vendor keys this SDK depends on are not part of that upstream
// struct, so they are layered on top as plain top-level YAML keys.
package registration

import (
	"gopkg.in/yaml.v3"

	"maunium.net/go/mautrix/appservice"

	merrors "github.com/spacebased/masquerade-go/errors"
)

// Params is the minimal set of fields spec §6 requires a registration to
// carry: identity, bearer tokens, public URL, and the bot's namespace.
type Params struct {
	ID              string
	URL             string
	ASToken         string
	HSToken         string
	SenderLocalpart string
	UserNamespace   string // regex, exclusive match for the appservice's own users
}

// Manifest is the rendered registration: the upstream type for the fields
// it knows about, plus the vendor flags the homeserver reads by convention
// for ephemeral push, device masquerading, and MSC4190 device creation.
type Manifest struct {
	*appservice.Registration `yaml:",inline"`

	PushEphemeral bool `yaml:"de.sorunome.msc2409.push_ephemeral"`
	MSC3202       bool `yaml:"org.matrix.msc3202"`
	MSC4190       bool `yaml:"io.element.msc4190"`
}

// Generate builds the registration manifest described in spec §6, with the
// MSC3202/MSC2409/MSC4190 vendor fields this SDK relies on for device
// masquerading and to-device/ephemeral push turned on.
func Generate(p Params) *Manifest {
	reg := appservice.CreateRegistration()
	reg.ID = p.ID
	reg.URL = p.URL
	reg.AppToken = p.ASToken
	reg.ServerToken = p.HSToken
	reg.SenderLocalpart = p.SenderLocalpart
	notRateLimited := false
	reg.RateLimited = &notRateLimited
	reg.Namespaces.UserIDs = appservice.NamespaceList{
		{Regex: p.UserNamespace, Exclusive: true},
	}

	return &Manifest{
		Registration:  reg,
		PushEphemeral: true,
		MSC3202:       true,
		MSC4190:       true,
	}
}

// Marshal renders m as YAML bytes, suitable for writing to the file a
// homeserver operator installs.
func Marshal(m *Manifest) ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, merrors.Wrap(merrors.Config, "registration.Marshal", err)
	}
	return data, nil
}
