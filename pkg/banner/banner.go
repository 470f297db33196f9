package banner

import (
	"fmt"

	"choptso/pkg/config"
)

const banner = `
 ██████╗██╗  ██╗ ██████╗ ██████╗ ████████╗███████╗ ██████╗
██╔════╝██║  ██║██╔═══██╗██╔══██╗╚══██╔══╝██╔════╝██╔═══██╗
██║     ███████║██║   ██║██████╔╝   ██║   ███████╗██║   ██║
██║     ██╔══██║██║   ██║██╔═══╝    ██║   ╚════██║██║   ██║
╚██████╗██║  ██║╚██████╔╝██║        ██║   ███████║╚██████╔╝
 ╚═════╝╚═╝  ╚═╝ ╚═════╝ ╚═╝        ╚═╝   ╚══════╝ ╚═════╝
`

// Print writes the startup banner with the effective runtime settings.
func Print(cfg *config.Config, addr, dbPath, source, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	if cfg != nil && cfg.Server.FastAddress != "" {
		fmt.Printf("Fast:     %s (write fast path)\n", cfg.Server.FastAddress)
	}
	fmt.Printf("DB Path:  %s\n", dbPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if source != "" {
		fmt.Printf("Config:   %s\n", source)
	}

	if cfg != nil {
		fmt.Println("\n== Checks =====================================================")
		if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
			fmt.Println("- TLS: configured")
		} else {
			fmt.Println("- TLS: unconfigured")
		}
		if len(cfg.Security.AdminIdentities) > 0 {
			fmt.Printf("- Admin identities: %d\n", len(cfg.Security.AdminIdentities))
		} else {
			fmt.Println("- Admin identities: none (moderation disabled)")
		}
		if cfg.Sweeper.Enabled {
			fmt.Printf("- Sweeper: enabled (cron=%s)\n", cfg.Sweeper.Cron)
		} else {
			fmt.Println("- Sweeper: disabled")
		}
	}

	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl -H 'X-Identity: u1' 'http://%s/v1/conversations'\n", addr)
	fmt.Printf("curl -H 'X-Identity: u1' -X POST 'http://%s/v1/conversations/dm:u1:u2/messages' -d '{\"body\":\"hello\"}'\n", addr)

	fmt.Println("\n== Logs: ======================================================")
}
