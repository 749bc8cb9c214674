package freehp

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// addressTokenPattern pulls IPv4 addresses and bare numbers (candidate
// ports) out of a page's body text, in order. A page that lists proxies
// as "1.2.3.4:8080" or as an "1.2.3.4, 8080" table row both tokenize into
// an IP token followed by a port token.
var addressTokenPattern = regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}|\d{2,5}`)

// isIP reports whether the dotted-quad string t is a plausible IPv4
// address: each octet in [0,255], and the first octet non-zero.
func isIP(t string) bool {
	parts := strings.Split(t, ".")
	if len(parts) != 4 {
		return false
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return false
		}
		if i == 0 && n == 0 {
			return false
		}
		if n > 255 {
			return false
		}
	}
	return true
}

// isPort reports whether t is a port a source page would plausibly list
// for a proxy: 80, or any port above 1024 and below 65536.
func isPort(t string) bool {
	n, err := strconv.Atoi(t)
	if err != nil {
		return false
	}
	if n == 80 {
		return true
	}
	return n > 1024 && n < 65536
}

// ExtractAddresses scans an HTML page for adjacent IP/port token pairs and
// returns them as "ip:port" addresses, in document order. It tolerates
// malformed markup the way a browser would: unparseable fragments simply
// contribute no tokens rather than aborting the whole page.
func ExtractAddresses(body []byte) []string {
	text := bodyText(body)

	var addresses []string
	var pendingIP string
	for _, tok := range addressTokenPattern.FindAllString(text, -1) {
		if strings.Contains(tok, ".") {
			pendingIP = tok
			continue
		}
		if pendingIP != "" && isIP(pendingIP) && isPort(tok) {
			addresses = append(addresses, pendingIP+":"+tok)
		}
		pendingIP = ""
	}
	return addresses
}

// bodyText renders the <body> element's visible text nodes, joined by
// spaces, mirroring lxml's itertext() walk that the original extractor
// relied on.
func bodyText(body []byte) string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return ""
	}

	var b strings.Builder
	var walk func(n *html.Node, inBody bool)
	walk = func(n *html.Node, inBody bool) {
		if n.Type == html.ElementNode && n.Data == "body" {
			inBody = true
		}
		if inBody && n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inBody)
		}
	}
	walk(doc, false)
	return b.String()
}
