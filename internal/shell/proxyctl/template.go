// Package proxyctl generates, validates and applies the reverse proxy
// configuration covering a deployment's projects.
// This is part of the Imperative Shell - writes config files and signals nginx.
package proxyctl

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// configTemplate renders one server block routing every project. Projects are
// served from their upload directories under a shared web root; the first
// project also answers at the root path.
const configTemplate = `# Managed by stevedore. Do not edit; changes are overwritten on deploy.
server {
    listen 80;
    server_name {{ .Host }};

    access_log /var/log/nginx/stevedore.access.log;
    error_log  /var/log/nginx/stevedore.error.log;
{{ range .Projects }}
    location /{{ . }}/ {
        alias {{ $.WebRoot }}/{{ . }}/;
        try_files $uri $uri/ /{{ . }}/index.html;
    }
{{ end }}
    location / {
        root {{ .WebRoot }}/{{ .Default }};
        try_files $uri $uri/ /index.html;
    }
}
`

var tmpl = template.Must(template.New("nginx").Parse(configTemplate))

// GenerateConfig renders the nginx configuration for a project set. The
// output is deterministic: projects are sorted so repeated renders of the
// same set compare equal.
func GenerateConfig(projects []string, host, webRoot string) (string, error) {
	if len(projects) == 0 {
		return "", fmt.Errorf("generating proxy config: no projects")
	}
	sorted := append([]string(nil), projects...)
	sort.Strings(sorted)

	var b strings.Builder
	err := tmpl.Execute(&b, struct {
		Host     string
		WebRoot  string
		Projects []string
		Default  string
	}{
		Host:     host,
		WebRoot:  strings.TrimRight(webRoot, "/"),
		Projects: sorted,
		Default:  sorted[0],
	})
	if err != nil {
		return "", fmt.Errorf("generating proxy config: %w", err)
	}
	return b.String(), nil
}
