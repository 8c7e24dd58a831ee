package vagrant

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// InventoryFileName is the name of the file written by WriteInventory.
const InventoryFileName = "inventory.ini"

// InventoryLine renders the Ansible inventory record of a WinRM host.
func (c Credentials) InventoryLine(name string) string {
	return strings.Join([]string{
		name,
		"ansible_connection=winrm",
		"ansible_winrm_scheme=http",
		"ansible_host=" + c.Host,
		fmt.Sprintf("ansible_port=%d", c.Port),
		"ansible_user=" + c.User,
		"ansible_password=" + c.Password,
		"ansible_winrm_operation_timeout_sec=200",
		"ansible_winrm_read_timeout_sec=210",
		"operation_timeout_sec=250",
		"read_timeout_sec=260",
	}, " ")
}

// WriteInventory writes the inventory record of name into dir and returns the file path.
func WriteInventory(dir, name string, creds Credentials) (string, error) {
	path := filepath.Join(dir, InventoryFileName)
	if err := os.WriteFile(path, []byte(creds.InventoryLine(name)), 0o600); err != nil {
		return "", fmt.Errorf("writing inventory: %w", err)
	}
	return path, nil
}
