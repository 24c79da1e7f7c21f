package network

import "strings"

// Tier 可疑程度
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// DomainEntry 可疑域名条目
type DomainEntry struct {
	Domain string
	Tier   Tier
	Kind   string
}

// suspiciousDomains 可疑域名表
// high: 挖矿/粘贴站；medium: 短链/临时托管；low: 统计/追踪
var suspiciousDomains = map[string]DomainEntry{}

func register(tier Tier, kind string, domains ...string) {
	for _, d := range domains {
		suspiciousDomains[d] = DomainEntry{Domain: d, Tier: tier, Kind: kind}
	}
}

func init() {
	register(TierHigh, "crypto_mining",
		"coinhive.com", "coin-hive.com", "authedmine.com", "crypto-loot.com", "cryptoloot.pro",
		"webminepool.com", "jsecoin.com", "minero.cc", "coinimp.com", "monerominer.rocks",
		"deepminer.com", "coinhave.com", "ppoi.org")
	register(TierHigh, "paste_sharing",
		"pastebin.com", "paste.ee", "hastebin.com", "ghostbin.com", "rentry.co",
		"controlc.com", "paste.rs", "dpaste.com", "justpaste.it")

	register(TierMedium, "url_shortener",
		"bit.ly", "tinyurl.com", "goo.gl", "t.co", "is.gd", "ow.ly", "cutt.ly",
		"rb.gy", "shorturl.at", "buff.ly", "tiny.cc")
	register(TierMedium, "ephemeral_hosting",
		"ngrok.io", "ngrok-free.app", "ngrok.app", "trycloudflare.com", "glitch.me",
		"workers.dev", "herokuapp.com", "repl.co", "transfer.sh", "webhook.site",
		"requestbin.net", "pipedream.net", "000webhostapp.com", "duckdns.org", "no-ip.org",
		"serveo.net", "localtunnel.me")

	register(TierLow, "analytics_tracking",
		"google-analytics.com", "googletagmanager.com", "doubleclick.net", "mixpanel.com",
		"segment.io", "segment.com", "hotjar.com", "amplitude.com", "facebook.net",
		"scorecardresearch.com", "quantserve.com", "criteo.com", "taboola.com",
		"outbrain.com", "adnxs.com")
}

// substringMinLabel 子串匹配时要求的最短主标签长度，避免 bit/goo 这类误报
const substringMinLabel = 6

// MatchDomain 判断主机名是否命中可疑域名表
// 先做精确/后缀匹配，再用主标签做子串匹配
func MatchDomain(host string) (DomainEntry, bool) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return DomainEntry{}, false
	}

	// ========== 规则1：精确或子域后缀匹配 ==========
	for h := host; h != ""; {
		if e, ok := suspiciousDomains[h]; ok {
			return e, true
		}
		idx := strings.IndexByte(h, '.')
		if idx < 0 {
			break
		}
		h = h[idx+1:]
	}

	// ========== 规则2：主标签子串匹配（如 coinhive-proxy.example.net）==========
	var best DomainEntry
	found := false
	for d, e := range suspiciousDomains {
		label := d
		if idx := strings.IndexByte(d, '.'); idx > 0 {
			label = d[:idx]
		}
		if len(label) < substringMinLabel || !strings.Contains(host, label) {
			continue
		}
		if !found || tierRank(e.Tier) > tierRank(best.Tier) || (e.Tier == best.Tier && e.Domain < best.Domain) {
			best = e
			found = true
		}
	}
	return best, found
}

func tierRank(t Tier) int {
	switch t {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	}
	return 0
}
