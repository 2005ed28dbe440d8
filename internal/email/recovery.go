package email

import (
	"fmt"
	"time"
)

// RecoveryMessage composes the email that carries a recovery token for fqdn.
func RecoveryMessage(fqdn, token string, ttl time.Duration) (subject, body string) {
	subject = "Recovery token for " + fqdn
	body = fmt.Sprintf(
		"Hello,\n\nSomeone (hopefully you) asked to move %s to a new server key.\n\n"+
			"Your recovery token is:\n\n  %s\n\n"+
			"Paste it into the Sandstorm installer when it asks for a recovery token. "+
			"It can be used once and expires in %d minutes.\n\n"+
			"If you did not ask for this, ignore this email; nothing has changed.\n",
		fqdn, token, int(ttl.Minutes()),
	)
	return subject, body
}
