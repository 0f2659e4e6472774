package run

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	pvecsi "github.com/adi/proxmox-shared-lvm-csi-plugin"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/pkg/configuration"
)

var config struct {
	csiSocket  string
	httpAddr   string
	configFile string
	region     string
}

var rootCmd = &cobra.Command{
	Use:     "csi-controller",
	Version: pvecsi.Version,
	Short:   "Proxmox shared LVM CSI controller",
	Long: `csi-controller provides the CSI controller service.
It provisions disks on a shared LVM storage pool and moves them
between guests through the Proxmox VE API.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return subMain()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	fs := rootCmd.Flags()
	fs.StringVar(&config.csiSocket, "csi-address", pvecsi.DefaultCSISocket, "UNIX domain socket filename for CSI")
	fs.StringVar(&config.httpAddr, "http-addr", ":8089", "Listen address for the http endpoint")
	fs.StringVar(&config.configFile, "config", configuration.DefaultConfigFile, "Path of the cluster configuration file")
	fs.StringVar(&config.region, "region", "", "Name of the configured cluster to provision on (default: first)")

	goflags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goflags)

	fs.AddGoFlagSet(goflags)
}
