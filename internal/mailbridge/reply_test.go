package mailbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractReply(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", "Thanks, it works now.", "Thanks, it works now."},
		{"crlf and blank runs", "Line one\r\n\r\n\r\n\r\nLine two\r\n", "Line one\n\nLine two"},
		{"english quote header", "Sure.\n\nOn Mon, 3 Mar 2025 at 10:00, Support <s@x.com> wrote:\n> old text", "Sure."},
		{"wrapped english header", "Yes please.\nOn Mon, 3 Mar 2025 at 10:00, Support Team\n<s@x.com> wrote:\n> old", "Yes please."},
		{"french quote header", "Oui merci.\n\nLe lun. 3 mars 2025 à 10:00, Support <s@x.com> a écrit :\n> ancien", "Oui merci."},
		{"french header with no-break space", "Parfait.\n\nLe mar. 4 mars 2025 à 09:12, Support <s@x.com> a écrit\u00a0:\n> ancien", "Parfait."},
		{"french header with narrow no-break space", "Parfait.\nLe 4 mars 2025 à 09:12, Support <s@x.com> a\u202fécrit\u202f:\n> ancien", "Parfait."},
		{"wrapped french header with no-break space", "Bien reçu.\nLe mar. 4 mars 2025 à 09:12, Équipe Support\n<s@x.com> a écrit\u00a0:\n> ancien", "Bien reçu."},
		{"french outlook block with no-break space", "Entendu.\nDe\u00a0: Support\nEnvoyé\u00a0: lundi\nÀ\u00a0: moi", "Entendu."},
		{"original message", "See attached.\n---- Original Message ----\nFrom: x", "See attached."},
		{"outlook block", "Ok.\n\nFrom: Support <s@x.com>\nSent: Monday\nTo: me\nSubject: hi", "Ok."},
		{"french outlook block", "D'accord.\nDe : Support\nEnvoyé : lundi\nÀ : moi", "D'accord."},
		{"from line without block kept", "From: my account page I see an error.", "From: my account page I see an error."},
		{"quoted lines dropped", "Answer here\n> quoted\n>> deeper\nmore", "Answer here\nmore"},
		{"separator", "Done.\n________________________________\nFrom: x", "Done."},
		{"sig delimiter", "Fixed.\n-- \nJohn Doe\nACME", "Fixed."},
		{"mobile boilerplate", "On my way.\n\nSent from my iPhone", "On my way."},
		{"french mobile", "Je confirme.\nEnvoyé de mon iPhone", "Je confirme."},
		{"sign off with name", "The invoice is wrong.\n\nBest regards,\nJane", "The invoice is wrong."},
		{"french sign off", "Le colis est arrivé.\nCordialement\nMarie Dupont\n06 00 00 00 00", "Le colis est arrivé."},
		{"sign off alone kept", "Merci !", "Merci !"},
		{"only quote", "> everything quoted\n> here", ""},
		{"empty", "  \n\n ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractReply(tc.in))
		})
	}
}
