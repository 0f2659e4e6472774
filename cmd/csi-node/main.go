package main

import (
	"github.com/adi/proxmox-shared-lvm-csi-plugin/cmd/csi-node/run"
	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

var gitCommitID = "dev"

func main() {
	printWelcome()
	run.Execute()
}

func printWelcome() {
	if gitCommitID == "" {
		gitCommitID = "dev"
	}
	log.Info("-------- Welcome to use Proxmox CSI Node Server --------")
	log.Infof("Git Commit ID : %s", gitCommitID)
	log.Info("------------------------------------")
}
