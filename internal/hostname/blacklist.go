package hostname

// builtin is the fixed blacklist: well-known service names, admin-style
// names, RFC 2142 mailbox names and infrastructure labels of the zone itself.
var builtin = []string{
	// well-known services
	"www", "ftp", "mail", "smtp", "imap", "pop", "pop3", "webmail", "mx",
	"dns", "ns", "ns1", "ns2", "ns3", "ns4", "ntp", "ldap", "vpn", "ssh",
	"git", "svn", "irc", "xmpp", "sip", "proxy", "cdn", "static", "media",
	"api", "app", "apps", "blog", "shop", "store", "status", "wiki", "docs",
	"download", "downloads", "update", "updates", "autoconfig", "autodiscover",
	"wpad", "isatap", "localhost", "localdomain", "broadcasthost",

	// admin-style names
	"admin", "administrator", "root", "sysadmin", "system", "sys", "sudo",
	"superuser", "operator", "owner", "staff", "support", "help", "info",
	"billing", "security", "ssl", "tls", "certs", "certificates", "register",
	"registration", "login", "signup", "account", "accounts", "test", "demo",
	"dev", "prod", "staging", "beta", "alpha", "internal",

	// RFC 2142
	"abuse", "noc", "postmaster", "hostmaster", "usenet", "news", "webmaster",
	"uucp", "marketing", "sales",

	// zone infrastructure
	"sandstorm", "sandcats", "example", "invalid", "wildcard",
}
