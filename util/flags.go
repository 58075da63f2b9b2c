package util

import (
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	envPrefix = "ROPE_"
	credsEnv  = "CREDENTIALS_DIRECTORY"
)

// SetFlagsFromEnvVars overrides the persistent flags of cmd. A file named after the flag in the systemd
// credentials directory wins over a ROPE_ prefixed environment variable.
// E.g. --listen-address reads $CREDENTIALS_DIRECTORY/LISTEN_ADDRESS, then ROPE_LISTEN_ADDRESS
func SetFlagsFromEnvVars(cmd *cobra.Command) {
	credsDir, hasCreds := os.LookupEnv(credsEnv)

	flags := cmd.PersistentFlags()
	flags.VisitAll(func(f *pflag.Flag) {
		name := flagNameToUpper(f.Name)

		if hasCreds {
			if value, ok := readCredential(credsDir, name); ok {
				err := flags.Set(f.Name, value)
				if err == nil {
					return
				}
				log.Infof("unable to configure flag %s using credential %s, err: %v", f.Name, name, err)
			}
		}

		envName := envPrefix + name
		value, ok := os.LookupEnv(envName)
		if !ok {
			return
		}
		if err := flags.Set(f.Name, value); err != nil {
			log.Infof("unable to configure flag %s using variable %s, err: %v", f.Name, envName, err)
		}
	})
}

func readCredential(dir, name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", false
	}
	return strings.TrimSuffix(string(data), "\n"), true
}

// flagNameToUpper turns listen-address into LISTEN_ADDRESS
func flagNameToUpper(cmdFlag string) string {
	return strings.ToUpper(strings.ReplaceAll(cmdFlag, "-", "_"))
}
