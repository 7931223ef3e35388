package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/volery/volery/pkg/log"
	"github.com/volery/volery/pkg/metrics"
	"github.com/volery/volery/pkg/server"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const backgroundEnv = "VOLERY_BACKGROUND"

var (
	flagConfig     string
	flagIncludes   string
	flagDebugMask  int
	flagDebugAll   bool
	flagZones      string
	flagUser       string
	flagHome       string
	flagDefines    []string
	flagBackground bool
	flagHostname   string
	flagSpooldir   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "volery",
	Short: "volery - XML stanza router daemon",
	Long: `Volery is an XML stanza router: a long-running daemon that multiplexes
stanzas between configured components - storage backends, logging sinks,
client connection managers and resolvers - based on packet kind and
addressing.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"volery version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	f := rootCmd.Flags()
	f.StringVarP(&flagConfig, "config", "c", "volery.xml", "configuration file to use")
	f.StringVarP(&flagIncludes, "include", "i", "", "comma separated list of extra configuration files")
	f.IntVarP(&flagDebugMask, "debugmask", "d", 0, "enable debugging (by type)")
	f.BoolVarP(&flagDebugAll, "debug", "D", false, "enable debugging (all types)")
	f.StringVarP(&flagZones, "zones", "Z", "", "comma separated list of debugging zones")
	f.StringVarP(&flagUser, "user", "U", "", "run as another user")
	f.StringVarP(&flagHome, "home", "H", "", "what to use as home directory")
	f.StringArrayVarP(&flagDefines, "define", "x", nil, "define a replacement string for configuration (key:value)")
	f.BoolVarP(&flagBackground, "background", "B", false, "background the server process")
	f.StringVar(&flagHostname, "hostname", "", "hostname that should be served")
	f.StringVarP(&flagSpooldir, "spooldir", "s", "", "directory for the xdb storage spool")
	f.BoolP("version-short", "v", false, "print server version")
	_ = f.MarkHidden("version-short")
}

func run(cmd *cobra.Command, _ []string) error {
	if short, _ := cmd.Flags().GetBool("version-short"); short {
		fmt.Printf("volery version %s\n", Version)
		return nil
	}

	defines, err := parseDefines(flagDefines)
	if err != nil {
		os.Exit(1)
	}
	if flagHostname != "" {
		defines["h"] = flagHostname
	}
	if flagSpooldir != "" {
		defines["s"] = flagSpooldir
	}

	if flagDebugAll && flagBackground {
		fmt.Println("volery will not background with debugging enabled.")
		flagBackground = false
	}
	if flagBackground && os.Getenv(backgroundEnv) == "" {
		if err := daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "unable to background: %v\n", err)
			os.Exit(2)
		}
		return nil
	}

	level := log.InfoLevel
	if flagDebugAll || flagDebugMask != 0 {
		level = log.DebugLevel
	}
	var zones []string
	if flagZones != "" {
		zones = strings.Split(flagZones, ",")
	}
	log.Init(log.Config{Level: level, Zones: zones})

	if flagUser != "" {
		if err := dropPrivileges(flagUser); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(2)
		}
	}
	if flagHome != "" {
		if err := os.Chdir(flagHome); err != nil {
			fmt.Fprintf(os.Stderr, "unable to access home folder %s: %v\n", flagHome, err)
		}
	}

	var extras []string
	if flagIncludes != "" {
		extras = strings.Split(flagIncludes, ",")
	}

	metrics.SetVersion(Version)

	srv := server.New(flagConfig, extras, defines)
	if err := srv.Configure(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	srv.Start()
	srv.Run()
	return nil
}

func parseDefines(defs []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, d := range defs {
		key, value, ok := strings.Cut(d, ":")
		if !ok {
			fmt.Fprintf(os.Stderr, "Invalid definition for config file replacement: %s\nNeeds to be of key:value\n", d)
			return nil, fmt.Errorf("invalid define %q", d)
		}
		out[key] = value
	}
	return out, nil
}

// daemonize re-launches the process detached from the terminal.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := make([]string, 0, len(os.Args)-1)
	args = append(args, os.Args[1:]...)
	child := exec.Command(exe, args...)
	child.Env = append(os.Environ(), backgroundEnv+"=1")
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return child.Start()
}

// dropPrivileges switches to the given user before anything touches the
// network or the spool.
func dropPrivileges(username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return fmt.Errorf("unable to lookup user %s: %w", username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid for user %s: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid for user %s: %w", username, err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("unable to set group permissions: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("unable to set user permissions: %w", err)
	}
	return nil
}
