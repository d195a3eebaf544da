package client

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stevedore-sh/stevedore/internal/servicefile"
)

var (
	serverURL string
	authKey   string
)

var rootCmd = &cobra.Command{
	Use:   "stevedore",
	Short: "Client for the stevedore deployment daemon",
	Long: `stevedore deploys multi-service YAML files to a stevedored daemon
and follows the progress stream. The daemon address comes from the
DEPLOY_URL environment variable or the --server flag; the API key from
AUTH or --auth.`,
	SilenceUsage: true,
}

// Execute runs the client CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("DEPLOY_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:5555"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "daemon address")
	rootCmd.PersistentFlags().StringVar(&authKey, "auth", os.Getenv("AUTH"), "API key")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(deployCmd)
}

func apiClient() *Client {
	return New(serverURL, authKey)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployments and their services",
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, err := apiClient().List()
		if err != nil {
			return err
		}
		for name, services := range tree {
			fmt.Printf("%s (%d services)\n", name, len(services))
			for svcName, entry := range services {
				fmt.Printf("  %s: %d version(s), %d instance(s)\n",
					svcName, entry.Versions, len(entry.Instances))
			}
		}
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <deploy-id>",
	Short: "Create a new deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().Create(args[0]); err != nil {
			return err
		}
		fmt.Printf("Created deployment %s\n", args[0])
		return nil
	},
}

var deployCmd = &cobra.Command{
	Use:   "deploy <service-file> <deploy-id>",
	Short: "Deploy a service file",
	Long: `Load the service file, send it to the daemon, and follow the event
stream. When the daemon requests app code for a service with a git key,
the repository is archived and uploaded automatically.

The exit code is non-zero if any error event appears in the stream.`,
	Args: cobra.ExactArgs(2),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().Bool("create", false, "create the deployment first")
	deployCmd.Flags().Bool("force", false, "redeploy services even if unchanged")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	filename, deployID := args[0], args[1]

	file, err := servicefile.Load(filename)
	if err != nil {
		return err
	}

	api := apiClient()
	if create, _ := cmd.Flags().GetBool("create"); create {
		if err := api.Create(deployID); err != nil {
			return err
		}
	}
	force, _ := cmd.Flags().GetBool("force")

	// Data requests arrive while the stream is open; collect them and
	// satisfy them once the setup stream finishes.
	var failed bool
	var dataRequests []string

	printer := func(event map[string]interface{}) {
		printEvent(event)
		if _, ok := event["error"]; ok {
			failed = true
		}
		if svc, ok := event["data-request"].(string); ok && event["tag"] == "git" {
			dataRequests = append(dataRequests, svc)
		}
	}

	if err := api.Setup(deployID, file, force, printer); err != nil {
		return err
	}

	for _, svcName := range dataRequests {
		if err := uploadAppCode(api, file, deployID, svcName, printer); err != nil {
			return err
		}
	}

	if failed {
		os.Exit(1)
	}
	return nil
}

func printEvent(event map[string]interface{}) {
	switch {
	case event["job"] != nil:
		fmt.Printf("-----> %v\n", event["job"])
	case event["log"] != nil:
		fmt.Printf("       %v\n", event["log"])
	case event["error"] != nil:
		fmt.Printf("       Error: %v\n", event["error"])
	default:
		fmt.Printf("       %v\n", event)
	}
}

// uploadAppCode archives the service's git repository and uploads it.
func uploadAppCode(api *Client, file *servicefile.ServiceFile, deployID, serviceName string, handle EventHandler) error {
	def := file.Service(serviceName)
	if def == nil {
		return fmt.Errorf("daemon requested code for unknown service %q", serviceName)
	}
	gitPath, _ := def["git"].(string)
	if gitPath == "" {
		return fmt.Errorf("service %q has no git key", serviceName)
	}
	if !filepath.IsAbs(gitPath) {
		gitPath = filepath.Join(filepath.Dir(file.Path), gitPath)
	}

	version, archive, err := gitArchive(gitPath)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	fmt.Printf("-----> uploading %s (version %s)\n", serviceName, version)
	return api.Upload(deployID, serviceName,
		map[string]string{"app": archive},
		map[string]interface{}{"app": map[string]interface{}{"version": version}},
		handle)
}

// gitArchive produces a tar of the repository's HEAD and the abbreviated
// commit id. The given path may be a subdirectory of the repository.
func gitArchive(path string) (version, archive string, err error) {
	gitRoot, err := gitOutput(path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", "", fmt.Errorf("%s is not a git repository: %w", path, err)
	}
	subdir, err := filepath.Rel(gitRoot, path)
	if err != nil {
		return "", "", err
	}

	head, err := gitOutput(path, "rev-parse", "HEAD")
	if err != nil {
		return "", "", err
	}
	if len(head) > 10 {
		head = head[:10]
	}

	tmp, err := os.CreateTemp("", "stevedore-app-*.tar")
	if err != nil {
		return "", "", err
	}

	treeish := "HEAD"
	if subdir != "." {
		treeish = "HEAD:" + filepath.ToSlash(subdir)
	}
	cmd := exec.Command("git", "archive", treeish)
	cmd.Dir = path
	cmd.Stdout = tmp
	runErr := cmd.Run()
	tmp.Close()
	if runErr != nil {
		os.Remove(tmp.Name())
		return "", "", fmt.Errorf("git archive failed: %w", runErr)
	}
	return head, tmp.Name(), nil
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
