package membership

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Well-known files under <workspace>/.flamestore through which the
// master publishes the group and workers discover it.
const (
	WorkspaceDir   = ".flamestore"
	GroupFile      = "group.ssg"
	MasterIDFile   = "master.ssg.id"
	MasterAddrFile = "master.addr"
)

// GroupFilePath returns <workspace>/.flamestore/group.ssg.
func GroupFilePath(workspace string) string {
	return filepath.Join(workspace, WorkspaceDir, GroupFile)
}

// MasterIDFilePath returns <workspace>/.flamestore/master.ssg.id.
func MasterIDFilePath(workspace string) string {
	return filepath.Join(workspace, WorkspaceDir, MasterIDFile)
}

// MasterAddrPath returns <workspace>/.flamestore/master.addr.
func MasterAddrPath(workspace string) string {
	return filepath.Join(workspace, WorkspaceDir, MasterAddrFile)
}

// WriteMasterAddr publishes the master's endpoint address under the
// workspace so clients can connect without knowing it up front.
func WriteMasterAddr(workspace, addr string) error {
	dir := filepath.Join(workspace, WorkspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating workspace dir %s: %w", dir, err)
	}
	if err := os.WriteFile(MasterAddrPath(workspace), []byte(addr+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing master address file: %w", err)
	}
	return nil
}

// ReadMasterAddr reads the published master endpoint address.
func ReadMasterAddr(workspace string) (string, error) {
	data, err := os.ReadFile(MasterAddrPath(workspace))
	if err != nil {
		return "", fmt.Errorf("reading master address file: %w", err)
	}
	addr := strings.TrimSpace(string(data))
	if addr == "" {
		return "", fmt.Errorf("empty master address file %s", MasterAddrPath(workspace))
	}
	return addr, nil
}

// Publish writes the group identifier file and the master's member id
// under the workspace, creating the .flamestore directory if needed.
// Only the founder publishes.
func (g *Group) Publish(workspace string) error {
	if !g.founder {
		return fmt.Errorf("only the group founder can publish")
	}
	dir := filepath.Join(workspace, WorkspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating workspace dir %s: %w", dir, err)
	}
	group := g.gid + "\n" + g.founderAddr + "\n"
	if err := os.WriteFile(GroupFilePath(workspace), []byte(group), 0o644); err != nil {
		return fmt.Errorf("writing group file: %w", err)
	}
	id := strconv.FormatUint(uint64(g.self), 10) + "\n"
	if err := os.WriteFile(MasterIDFilePath(workspace), []byte(id), 0o644); err != nil {
		return fmt.Errorf("writing master id file: %w", err)
	}
	return nil
}

func readGroupFile(workspace string) (gid, founderAddr string, err error) {
	data, err := os.ReadFile(GroupFilePath(workspace))
	if err != nil {
		return "", "", fmt.Errorf("reading group file: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		return "", "", fmt.Errorf("malformed group file %s", GroupFilePath(workspace))
	}
	return strings.TrimSpace(lines[0]), strings.TrimSpace(lines[1]), nil
}

func readMasterID(workspace string) (MemberID, error) {
	data, err := os.ReadFile(MasterIDFilePath(workspace))
	if err != nil {
		return 0, fmt.Errorf("reading master id file: %w", err)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed master id file: %w", err)
	}
	return MemberID(id), nil
}
