package run

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	pvecsi "github.com/adi/proxmox-shared-lvm-csi-plugin"
)

var config struct {
	csiSocket string
	httpAddr  string
	nodeName  string
	region    string
}

var rootCmd = &cobra.Command{
	Use:     "csi-node",
	Version: pvecsi.Version,
	Short:   "Proxmox shared LVM CSI node",
	Long: `csi-node provides the CSI node service.
It locates hypervisor-attached disks by WWN, formats and mounts them
for workloads on this guest.`,

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
	fs.StringVar(&config.httpAddr, "http-addr", ":8090", "Listen address for the http endpoint")
	fs.StringVar(&config.nodeName, "node-name", os.Getenv("NODE_NAME"), "Name of this node, must match the Proxmox guest name")
	fs.StringVar(&config.region, "region", "", "Topology region label of this node's cluster")

	goflags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goflags)

	fs.AddGoFlagSet(goflags)
}
