package secrets

// DefaultRules returns the rules applied to remote command output before it
// is logged, persisted, or published. They target what provisioning scripts
// tend to echo: connection strings, generated passwords, application keys.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "database-url",
			Description: "Connection URL with embedded credentials",
			Pattern:     `(?i)(?:postgres(?:ql)?|mysql|mariadb|mongodb(?:\+srv)?|redis|rediss|amqp)://[^:\s/]+:[^@\s]+@[^\s'"]+`,
			Severity:    "high",
		},
		{
			ID:          "password-assignment",
			Description: "Password assigned in shell, config, or SQL",
			Pattern:     `(?i)(?:password|passwd|pwd|identified by)(?:\s*[:=]\s*['"]?|\s+(?:to|is)\s+['"]?|\s+['"])[^\s'";]{6,}['"]?`,
			Keywords:    []string{"pass", "pwd", "identified"},
			Severity:    "high",
		},
		{
			ID:          "mysql-cli-password",
			Description: "Password passed to a MySQL client with -p",
			Pattern:     `(?:mysql|mysqladmin|mysqldump)\s+(?:\S+\s+)*-p[^\s-]\S*`,
			Keywords:    []string{"mysql"},
			Severity:    "high",
		},
		{
			ID:          "env-credential",
			Description: "Environment variable holding a credential",
			Pattern:     `(?i)(?:^|[^A-Za-z0-9_])(?:DB_PASSWORD|DATABASE_PASSWORD|MYSQL_ROOT_PASSWORD|MYSQL_PASSWORD|POSTGRES_PASSWORD|REDIS_PASSWORD|SECRET_KEY|DJANGO_SECRET_KEY|APP_KEY|APP_SECRET|ENCRYPTION_KEY|AUTH_TOKEN|ACCESS_TOKEN|API_TOKEN)\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Severity:    "high",
		},
		{
			ID:          "private-key",
			Description: "PEM private key header",
			Pattern:     `-----BEGIN (?:RSA |DSA |EC |OPENSSH |ENCRYPTED |PGP )?PRIVATE KEY(?: BLOCK)?-----`,
			Severity:    "high",
		},
		{
			ID:          "aws-access-key-id",
			Description: "AWS Access Key ID",
			Pattern:     `(?:A3T[A-Z0-9]|AKIA|ASIA)[A-Z0-9]{16}`,
			Severity:    "high",
		},
		{
			ID:          "aws-secret-access-key",
			Description: "AWS Secret Access Key",
			Pattern:     `(?i)(?:aws_secret_access_key|secret_access_key)\s*[:=]\s*['"]?[A-Za-z0-9/+=]{40}['"]?`,
			Keywords:    []string{"secret"},
			Severity:    "high",
		},
		{
			ID:          "github-token",
			Description: "GitHub token",
			Pattern:     `(?:gh[pousr]_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,})`,
			Severity:    "high",
		},
		{
			ID:          "bearer-token",
			Description: "Bearer token in an Authorization header",
			Pattern:     `(?i)bearer\s+[A-Za-z0-9_\-\.=]{20,}`,
			Keywords:    []string{"bearer"},
			Severity:    "medium",
		},
		{
			ID:          "jwt",
			Description: "JSON Web Token",
			Pattern:     `eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`,
			Severity:    "medium",
		},
		{
			ID:          "basic-auth-url",
			Description: "HTTP URL with user:password",
			Pattern:     `(?i)https?://[^:\s/@]+:[^@\s/]+@[^\s'"]+`,
			Severity:    "medium",
		},
	}
}
