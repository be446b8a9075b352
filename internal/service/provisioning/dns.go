package provisioning

import (
	"context"
	"fmt"
	"strings"
)

// DefaultDNSTTL is the TTL suggested for every rendered record.
const DefaultDNSTTL = 300

// DNSConfig describes the mail host the rendered records point at.
type DNSConfig struct {
	MailHostname string
	ServerIP     string
}

// DNSRecord is one record an operator must publish for a domain.
type DNSRecord struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	Priority int    `json:"priority,omitempty"`
	TTL      int    `json:"ttl"`
}

// DNSRecords renders the MX, SPF, DKIM and DMARC records for a domain.
// Nothing is published.
func (c *Coordinator) DNSRecords(ctx context.Context, name string) ([]DNSRecord, error) {
	d, err := c.GetDomain(ctx, name)
	if err != nil {
		return nil, err
	}

	host := c.dns.MailHostname
	if host == "" {
		host = "mail." + d.Name
	}
	host = strings.TrimSuffix(host, ".")

	spf := []string{"v=spf1"}
	if c.dns.ServerIP != "" {
		spf = append(spf, "ip4:"+c.dns.ServerIP)
	}
	spf = append(spf, "a:"+host, "~all")

	return []DNSRecord{
		{Type: "MX", Name: d.Name, Value: host, Priority: 10, TTL: DefaultDNSTTL},
		{Type: "TXT", Name: d.Name, Value: strings.Join(spf, " "), TTL: DefaultDNSTTL},
		{Type: "TXT", Name: d.KeyName(), Value: "v=DKIM1; k=rsa; p=" + d.PublicKey, TTL: DefaultDNSTTL},
		{Type: "TXT", Name: "_dmarc." + d.Name, Value: dmarcPolicy(d.Name), TTL: DefaultDNSTTL},
	}, nil
}

func dmarcPolicy(domainName string) string {
	return fmt.Sprintf("v=DMARC1; p=quarantine; rua=mailto:dmarc@%[1]s; ruf=mailto:dmarc@%[1]s; fo=1; pct=100; aspf=r; adkim=r", domainName)
}
