package config

import (
	"fmt"
	"slices"

	"github.com/oszuidwest/zwfm-systemtap/internal/types"
	"github.com/oszuidwest/zwfm-systemtap/internal/util"
)

// configValidator is the shared validator instance for configuration checks.
var configValidator = util.NewValidator()

// validate checks field constraints and storage requirements. Caller must hold c.mu.
func (c *Config) validate() error {
	verr := types.NewValidationError()

	if err := configValidator.Struct(c); err != nil {
		fieldErrors, ok := util.ValidationErrors(err)
		if !ok {
			return util.WrapError("validate config", err)
		}
		verr.Errors = append(verr.Errors, fieldErrors.Errors...)
	}

	// Empty is already reported by the required tag.
	if dir := c.Capture.OutputDir; dir != "" && util.ValidatePath("capture.output_dir", dir) != nil {
		verr.Add("capture.output_dir", "path cannot contain '..'", dir)
	}

	mode := c.Storage.Mode
	if mode == types.StorageS3 || mode == types.StorageBoth {
		s3 := c.Storage.S3
		if !util.IsConfigured(s3.Bucket, s3.AccessKeyID, s3.SecretAccessKey) {
			verr.Add("storage.s3", fmt.Sprintf("bucket, access_key_id and secret_access_key are required for mode %s", mode), nil)
		}
	}

	g := c.Notifications.Graph
	graphFields := []string{g.TenantID, g.ClientID, g.ClientSecret, g.FromAddress, g.Recipients}
	if slices.ContainsFunc(graphFields, func(v string) bool { return v != "" }) && !util.IsConfigured(graphFields...) {
		verr.Add("notifications.graph", "tenant_id, client_id, client_secret, from_address and recipients are required together", nil)
	}
	if z := c.Notifications.Zabbix; z.Server != "" && !util.IsConfigured(z.Host, z.Key) {
		verr.Add("notifications.zabbix", "host and key are required when server is set", nil)
	}

	if verr.HasErrors() {
		return verr
	}
	return nil
}
