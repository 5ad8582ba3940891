package policy

// GetBuiltinPolicies returns the policies shipped with the binary. They
// lint pipeline definitions before a run starts.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:        "file-world-writable",
			Description: "Deny file tasks that install world-writable files",
			Severity:    SeverityError,
			Enabled:     true,
			Rego: `package convoy.policies.file_world_writable

deny[msg] {
	task := input.tasks[_]
	task.type == "file.copy"
	regex.match("[2367]$", task.mode)
	msg := sprintf("task %q installs %s with world-writable mode %s", [task.name, task.dest, task.mode])
}
`,
		},
		{
			Name:        "inventory-empty-filter",
			Description: "Warn when the inventory filter has no tag constraints",
			Severity:    SeverityWarning,
			Enabled:     true,
			Rego: `package convoy.policies.inventory_empty_filter

deny[msg] {
	input.inventory.provider == "ec2"
	count(object.get(input.inventory, "tags", {})) == 0
	msg := sprintf("inventory for region %s selects every running instance; add tag filters", [input.inventory.region])
}
`,
		},
		{
			Name:        "ssh-host-key-checking",
			Description: "Warn when SSH host key verification is disabled",
			Severity:    SeverityWarning,
			Enabled:     true,
			Rego: `package convoy.policies.ssh_host_key_checking

deny[msg] {
	object.get(input.ssh, "strict_host_key_checking", false) == false
	msg := "SSH host key verification is disabled"
}
`,
		},
		{
			Name:        "webhook-secret-required",
			Description: "Deny webhook triggers without a signing secret",
			Severity:    SeverityError,
			Enabled:     true,
			Rego: `package convoy.policies.webhook_secret_required

deny[msg] {
	input.trigger.webhook == true
	object.get(input.trigger, "secret", "") == ""
	msg := "webhook trigger requires a signing secret"
}
`,
		},
	}
}
