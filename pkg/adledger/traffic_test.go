package adledger

import "testing"

func TestClassifyTraffic(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name      string
		userAgent string
		hints     []string
		want      TrafficClass
	}{
		{
			name:      "desktop browser",
			userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/126.0 Safari/537.36",
			want:      TrafficHuman,
		},
		{
			name:      "mobile safari",
			userAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 Version/17.5 Mobile/15E148 Safari/604.1",
			want:      TrafficHuman,
		},
		{
			name:      "googlebot",
			userAgent: "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			want:      TrafficBot,
		},
		{
			name:      "whatsapp preview",
			userAgent: "WhatsApp/2.23.20 A",
			want:      TrafficBot,
		},
		{
			name:      "facebook external hit",
			userAgent: "facebookexternalhit/1.1 (+http://www.facebook.com/externalhit_uatext.php)",
			want:      TrafficBot,
		},
		{
			name:      "telegram preview",
			userAgent: "TelegramBot (like TwitterBot)",
			want:      TrafficBot,
		},
		{
			name:      "headless chrome",
			userAgent: "Mozilla/5.0 HeadlessChrome/126.0",
			want:      TrafficBot,
		},
		{
			name:      "empty user agent",
			userAgent: "",
			want:      TrafficBot,
		},
		{
			name:      "prefetch purpose header wins",
			userAgent: "Mozilla/5.0 Chrome/126.0",
			hints:     []string{"prefetch"},
			want:      TrafficPrefetch,
		},
		{
			name:      "prerender sec-purpose",
			userAgent: "Mozilla/5.0 Chrome/126.0",
			hints:     []string{"prefetch;prerender"},
			want:      TrafficPrefetch,
		},
		{
			name:      "preview purpose on bot agent",
			userAgent: "Slackbot-LinkExpanding 1.0",
			hints:     []string{"preview"},
			want:      TrafficPrefetch,
		},
		{
			name:      "blank hints ignored",
			userAgent: "Mozilla/5.0 Chrome/126.0",
			hints:     []string{"", "  "},
			want:      TrafficHuman,
		},
	}
	for _, testCase := range cases {
		test.Run(testCase.name, func(test *testing.T) {
			if got := ClassifyTraffic(testCase.userAgent, testCase.hints...); got != testCase.want {
				test.Fatalf("expected %s, got %s", testCase.want, got)
			}
		})
	}
}
