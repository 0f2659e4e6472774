/*
   Copyright @ 2024 the proxmox-shared-lvm-csi-plugin authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package exec

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/adi/proxmox-shared-lvm-csi-plugin/utils/log"
)

// Executor is the main interface for all the exec commands
type Executor interface {
	ExecuteCommand(command string, arg ...string) error
	ExecuteCommandWithOutput(command string, arg ...string) (string, error)
	ExecuteCommandWithCombinedOutput(command string, arg ...string) (string, error)
	ExecuteCommandWithTimeout(timeout time.Duration, command string, arg ...string) (string, error)
}

// CommandExecutor is the type of the Executor
type CommandExecutor struct {
}

// ExecuteCommand starts a process and waits for its completion
func (c *CommandExecutor) ExecuteCommand(command string, arg ...string) error {
	_, err := c.ExecuteCommandWithCombinedOutput(command, arg...)
	return err
}

// ExecuteCommandWithOutput executes a command and returns its stdout
func (*CommandExecutor) ExecuteCommandWithOutput(command string, arg ...string) (string, error) {
	logCommand(command, arg...)
	// #nosec G204 the driver controls the input to the exec arguments
	cmd := exec.Command(command, arg...)
	output, err := cmd.Output()
	return strings.TrimSpace(string(output)), err
}

// ExecuteCommandWithCombinedOutput executes a command with combined output
func (*CommandExecutor) ExecuteCommandWithCombinedOutput(command string, arg ...string) (string, error) {
	logCommand(command, arg...)
	// #nosec G204 the driver controls the input to the exec arguments
	cmd := exec.Command(command, arg...)
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}

// ExecuteCommandWithTimeout starts a process and waits for its completion
// with a timeout, killing the process once the deadline passes.
func (*CommandExecutor) ExecuteCommandWithTimeout(timeout time.Duration, command string, arg ...string) (string, error) {
	logCommand(command, arg...)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// #nosec G204 the driver controls the input to the exec arguments
	cmd := exec.CommandContext(ctx, command, arg...)

	var b bytes.Buffer
	cmd.Stdout = &b
	cmd.Stderr = &b

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return strings.TrimSpace(b.String()), ctx.Err()
	}
	return strings.TrimSpace(b.String()), err
}

func logCommand(command string, arg ...string) {
	log.Debugf("Running command: %s %s", command, strings.Join(arg, " "))
}
