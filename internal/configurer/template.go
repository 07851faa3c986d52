package configurer

import (
	"bytes"
	"fmt"
	"text/template"
)

// Renderer executes the main-config text/template over a ConfigData,
// mirroring the reference codebase's manifest-rendering pattern: one
// parsed template, one data struct, all ordering decided before
// Execute rather than inside the template itself.
type Renderer struct{}

// NewRenderer returns a new Renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render produces the worker's main configuration text for data.
func (r *Renderer) Render(data ConfigData) (string, error) {
	var buf bytes.Buffer
	if err := mainConfigTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render main config: %w", err)
	}
	return buf.String(), nil
}

var mainConfigTmpl = template.Must(template.New("main-config").Parse(mainConfigText))

const mainConfigText = `# generated by the control plane; do not edit by hand.

ssl_protocols TLSv1 TLSv1.1 TLSv1.2;
ssl_ciphers HIGH:!aNULL:!MD5:!RC4;
ssl_session_timeout 5m;
ssl_prefer_server_ciphers on;
ssl_verify_client on;
ssl_client_certificate {{ .CAChainFile }};
ssl_verify_depth {{ .VerifyDepth }};
{{- if .CRLFile }}
ssl_crl {{ .CRLFile }};
{{- end }}

{{ range .Upstreams }}
upstream {{ .Name }} {
{{- range .ServerLines }}
    {{ . }}
{{- end }}
{{- if .Sticky }}
    sticky cookie {{ .CookieName }} expires=1h path={{ .CookiePath }};
{{- end }}
}
{{ end }}
server {
    listen {{ .HTTPPort }};
    server_name _;
    return 301 https://$host$request_uri;
}

{{ range .Servers }}
server {
    listen {{ $.HTTPSPort }} ssl{{ if $.ProxyProtocol }} proxy_protocol{{ end }}{{ if .DefaultServer }} default_server{{ end }};
    server_name {{ .ServerName }};
{{- if .Specialized }}
    ssl_certificate {{ .CertFile }};
    ssl_certificate_key {{ .KeyFile }};
{{- end }}

    location = /favicon.ico {
        alias {{ $.ExternalHostname }}/favicon.ico;
    }
{{- range .StaticLocations }}

    location {{ .Path }} {
        root {{ .Root }};
    }
{{- end }}
{{- range .Locations }}

    location {{ .Path }} {
        proxy_http_version 1.1;
{{- range .Headers }}
        {{ . }}
{{- end }}
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header X-client-cert-s-dn $ssl_client_s_dn;
        proxy_pass https://{{ .UpstreamGroup }}{{ .UpstreamPath }};
        proxy_redirect default;
{{- range .Redirects }}
        {{ . }}
{{- end }}
{{- if .UploadFileSize }}
        client_max_body_size {{ .UploadFileSize }}m;
{{- end }}
{{- if .DisableChunkedTransferEncoding }}
        chunked_transfer_encoding off;
{{- end }}
{{- if $.ProxyProtocol }}
        set_real_ip_from 0.0.0.0/0;
        real_ip_header proxy_protocol;
{{- end }}
{{- if .ValidateUpstreamConnection }}
        proxy_ssl_certificate {{ $.InternalCertFile }};
        proxy_ssl_certificate_key {{ $.InternalKeyFile }};
        proxy_ssl_trusted_certificate {{ $.InternalCAFile }};
{{- end }}
    }
{{- end }}
}
{{ end }}
`
