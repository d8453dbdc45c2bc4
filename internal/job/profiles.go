package job

import "sort"

// profiles maps a selector name to the raw user-agent header sent by the download tool.
// Callers only ever pick a name; raw strings never come from outside the process.
var profiles = map[string]string{
	"firefox_nt10":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:88.0) Gecko/20100101 Firefox/88.0",
	"chrome_nt10":       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/90.0.4430.93 Safari/537.36",
	"edgechromium_nt10": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/90.0.4430.93 Safari/537.36 Edg/90.0.818.51",
	"googlebot_desktop": "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
	"google_favicon":    "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/49.0.2623.75 Safari/537.36 Google Favicon",
	"google_image":      "Googlebot-Image/1.0",
	"yahoo_slurp":       "Mozilla/5.0 (compatible; Yahoo! Slurp; http://help.yahoo.com/help/us/ysearch/slurp)",
	"bing_bingbot":      "Mozilla/5.0 (compatible; bingbot/2.0; +http://www.bing.com/bingbot.htm)",
	"baidu_baiduspider": "Mozilla/5.0 (compatible; Baiduspider/2.0; +http://www.baidu.com/search/spider.html)",
	"yandex_main":       "Mozilla/5.0 (compatible; YandexBot/3.0; +http://yandex.com/bots)",
	"yandex_favicon":    "Mozilla/5.0 (compatible; YandexFavicons/1.0; +http://yandex.com/bots)",
	"facebook_crawler":  "facebookexternalhit/1.1 (+http://www.facebook.com/externalhit_uatext.php)",
}

// Profiles returns a copy of the profile table.
func Profiles() map[string]string {
	out := make(map[string]string, len(profiles))
	for k, v := range profiles {
		out[k] = v
	}
	return out
}

// ProfileNames returns the selector names in sorted order.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for k := range profiles {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// UserAgentFor resolves a selector to its raw header value.
func UserAgentFor(name string) (string, bool) {
	ua, ok := profiles[name]
	return ua, ok
}
