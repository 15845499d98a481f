// internal/app/helpers.go
package app

import (
	"log"
	"strings"

	"github.com/petervdpas/goopcall/internal/config"
)

// NormalizeLocalViewer ensures the viewer only binds to localhost
// and returns listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func logBanner(peerDir, cfgPath string, cfg config.Config) {
	log.Println("────────────────────────────────────────")
	log.Println("goopcall peer")
	log.Printf(" Peer folder : %s", peerDir)
	log.Printf(" Config file : %s", cfgPath)
	log.Printf(" Address     : %s", cfg.Identity.Email)
	log.Printf(" Store       : %s", cfg.Store.Driver)
	log.Printf(" Capture     : %s", cfg.Media.Capture)
	log.Println("────────────────────────────────────────")
}
