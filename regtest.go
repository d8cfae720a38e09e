package regtest

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ---------------------------------------------------------------
//  Bitcoin Core Node Management
// ---------------------------------------------------------------

// ScriptEnv overrides the location of the node manager script.
const ScriptEnv = "REGTEST_MANAGER_SCRIPT"

var (
	// bitcoindMutex serializes start/stop/status calls so two goroutines
	// never drive the manager script at the same time.
	bitcoindMutex sync.Mutex

	// scriptPath is the absolute path of scripts/bitcoind_manager.sh.
	scriptPath string
)

// init locates the manager script by walking up from the working directory
// to the module root (the first directory holding go.mod).
func init() {
	scriptPath = findScript()
}

func findScript() string {
	if p := os.Getenv(ScriptEnv); p != "" {
		return p
	}

	workDir, _ := os.Getwd()
	for {
		if _, err := os.Stat(filepath.Join(workDir, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(workDir)
		if parent == workDir {
			// Reached root, fallback to current directory
			workDir, _ = os.Getwd()
			break
		}
		workDir = parent
	}

	return filepath.Join(workDir, "scripts", "bitcoind_manager.sh")
}

// scriptEnv passes the node settings to the manager script.
func scriptEnv(cfg *Config) []string {
	_, port, err := net.SplitHostPort(cfg.Host)
	if err != nil {
		port = "18443"
	}
	return append(os.Environ(),
		"BITCOIND_DATADIR="+cfg.DataDir,
		"BITCOIND_RPCPORT="+port,
		"BITCOIND_RPCUSER="+cfg.User,
		"BITCOIND_RPCPASS="+cfg.Pass,
		"BITCOIND_EXTRA_ARGS="+strings.Join(cfg.ExtraArgs, " "),
		"BITCOIND_KEEP_DATADIR="+strconv.FormatBool(cfg.KeepDataDir),
	)
}

func runScript(cfg *Config, command string) ([]byte, error) {
	if _, err := os.Stat(scriptPath); err != nil {
		return nil, fmt.Errorf("bitcoind manager script not found at %s: %w", scriptPath, err)
	}

	cmd := exec.Command("bash", scriptPath, command)
	cmd.Env = scriptEnv(cfg)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// StartBitcoinRegtest starts a Bitcoin regtest node with the given settings
// using the bitcoind manager script. It is safe for concurrent use; start,
// stop and status calls never overlap.
//
// The function:
//   - Validates that the bitcoind manager script exists
//   - Passes the RPC port, credentials, data directory and extra arguments
//     to the script through its environment
//   - Executes the script with the "start" command
//   - Returns once the script reports the node as started
//
// Returns:
//   - error: the missing script (matching os.ErrNotExist) or the script's
//     exit status together with its output
//
// The started node will:
//   - Run on the regtest network
//   - Be accessible via RPC on cfg.Host
//   - Keep its data under cfg.DataDir
//
// Example:
//
//	err := StartBitcoinRegtest(GetConfig())
//	if err != nil {
//	    log.Fatalf("Failed to start Bitcoin node: %v", err)
//	}
//	defer StopBitcoinRegtest(GetConfig())
func StartBitcoinRegtest(cfg *Config) error {
	bitcoindMutex.Lock()
	defer bitcoindMutex.Unlock()

	if _, err := runScript(cfg, "start"); err != nil {
		return fmt.Errorf("failed to start bitcoind (script: %s): %w", scriptPath, err)
	}

	return nil
}

// StopBitcoinRegtest stops the node started by StartBitcoinRegtest and
// performs cleanup.
//
// The function:
//   - Sends a stop request to the running bitcoind
//   - Waits for the process to exit
//   - Removes cfg.DataDir unless cfg.KeepDataDir is set
//
// Returns:
//   - error: the missing script or the script's exit status together with
//     its output
//
// Wallets created on a node whose data directory was removed are gone. Set
// KeepDataDir when anything written during the run refers to them.
//
// Example:
//
//	cfg := GetConfig()
//	if err := StartBitcoinRegtest(cfg); err != nil {
//	    return err
//	}
//	defer StopBitcoinRegtest(cfg)
func StopBitcoinRegtest(cfg *Config) error {
	bitcoindMutex.Lock()
	defer bitcoindMutex.Unlock()

	if _, err := runScript(cfg, "stop"); err != nil {
		return fmt.Errorf("failed to stop bitcoind: %w", err)
	}

	return nil
}

// IsBitcoindRunning reports whether the manager script sees a running node.
// It does not change the node's state.
//
// Returns:
//   - bool: true if bitcoind answers RPC on cfg.Host
//   - error: the missing script or a failed status check
//
// Example:
//
//	running, err := IsBitcoindRunning(cfg)
//	if err != nil {
//	    return fmt.Errorf("failed to check node status: %w", err)
//	}
//	if !running {
//	    if err := StartBitcoinRegtest(cfg); err != nil {
//	        return fmt.Errorf("failed to start node: %w", err)
//	    }
//	}
func IsBitcoindRunning(cfg *Config) (bool, error) {
	bitcoindMutex.Lock()
	defer bitcoindMutex.Unlock()

	output, err := runScript(cfg, "status")
	if err != nil {
		return false, fmt.Errorf("failed to check bitcoind status: %w", err)
	}

	return strings.Contains(string(output), "is running"), nil
}
