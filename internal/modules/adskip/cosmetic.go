package adskip

import "strings"

const styleID = "ytenhancer-adblock-cosmetic"

var hideSelectors = []string{
	"#masthead-ad",
	"ytd-rich-item-renderer.style-scope.ytd-rich-grid-row #content:has(.ytd-display-ad-renderer)",
	".video-ads.ytp-ad-module",
	"tp-yt-paper-dialog:has(yt-mealbar-promo-renderer)",
	"ytd-engagement-panel-section-list-renderer[target-id='engagement-panel-ads']",
	"#related #player-ads",
	"#related ytd-ad-slot-renderer",
	"ytd-ad-slot-renderer",
	"yt-mealbar-promo-renderer",
	"ytd-popup-container:has(a[href='/premium'])",
	"ad-slot-renderer",
	"ytm-companion-ad-renderer",
}

func cosmeticCSS() string {
	parts := make([]string, len(hideSelectors))
	for i, s := range hideSelectors {
		parts[i] = s + "{display:none!important}"
	}
	return strings.Join(parts, " ")
}
