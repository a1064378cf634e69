package config

import (
	"runtime"

	"github.com/spf13/viper"
)

// PlatformDefaults returns platform-specific default values
type PlatformDefaults struct {
	LogFile    string
	ConfigPath string
	CredsFile  string
}

// GetPlatformDefaults returns platform-specific defaults based on runtime.GOOS
func GetPlatformDefaults() PlatformDefaults {
	switch runtime.GOOS {
	case "windows":
		return PlatformDefaults{
			LogFile:    `C:\ProgramData\svcstart\svcstart.log`,
			ConfigPath: `C:\ProgramData\svcstart\config.yaml`,
			CredsFile:  `C:\ProgramData\svcstart\agent.creds`,
		}
	case "freebsd":
		return PlatformDefaults{
			LogFile:    "/var/log/svcstart/svcstart.log",
			ConfigPath: "/usr/local/etc/svcstart/config.yaml",
			CredsFile:  "/usr/local/etc/svcstart/agent.creds",
		}
	default:
		// Linux and unknown platforms
		return PlatformDefaults{
			LogFile:    "/var/log/svcstart/svcstart.log",
			ConfigPath: "/etc/svcstart/config.yaml",
			CredsFile:  "/etc/svcstart/agent.creds",
		}
	}
}

// GetDefaultConfigPath returns the platform-specific default config path
func GetDefaultConfigPath() string {
	return GetPlatformDefaults().ConfigPath
}

// applyPlatformDefaults registers the path defaults for this platform
func applyPlatformDefaults(v *viper.Viper) {
	defaults := GetPlatformDefaults()

	v.SetDefault("logging.file", defaults.LogFile)
	v.SetDefault("nats.auth.creds_file", defaults.CredsFile)
}
