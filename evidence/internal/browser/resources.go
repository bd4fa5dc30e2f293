package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockResources fails requests whose resource type is listed (media, fonts,
// ...). Stylesheets and images are usually needed for tooltips to render,
// so nothing is blocked by default. The returned router must be stopped.
func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	blocked := make(map[string]bool, len(types))
	for _, t := range types {
		blocked[normalizeResource(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if blocked[normalizeResource(string(h.Request.Type()))] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

// normalizeResource maps CDP resource types and their plural config names
// onto one key: "Image", "image" and "images" all become "image".
func normalizeResource(t string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(t)), "s")
}
