// Package plan loads deployment plans.
//
// A plan lists the steps of a deployment and, optionally, extra error
// patterns and recovery handlers. Plans are YAML (.yaml, .yml) or TOML
// (.toml):
//
//	name: web
//	use_default_catalog: true
//	defaults:
//	  timeout: 10m
//	  attempt_budget: 3
//	steps:
//	  - name: install-nginx
//	    command: apt-get install -y nginx
//	  - name: configure-site
//	    command: /usr/local/bin/mksite {{domain}}
//	    timeout: 2m
//	handlers:
//	  restart-nginx:
//	    kind: commands
//	    commands: [systemctl restart nginx]
//	patterns:
//	  - id: nginx-bind
//	    signature: 'bind\(\) to .* failed'
//	    severity: high
//	    handler: restart-nginx
//	    max_retries: 1
//
// Step commands may reference {{domain}}, {{user}} and {{host}}. They are
// substituted once, before the deployment is created; the engine only ever
// sees the final command strings.
package plan
