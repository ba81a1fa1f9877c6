package server

import (
	"html/template"
)

var indexTemplate = template.Must(template.New("index.html.tmpl").Parse(`
<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>pullre-kun</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <style>
    body { font-family: monospace, monospace; margin: 2em auto; max-width: 960px; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border-bottom: 1px solid #ddd; padding: .4em; text-align: left; }
    .ready { color: #2a7; }
    .pending { color: #c80; }
  </style>
</head>
<body>
  <p style="text-align: center;"><strong>{{ .Repo }}</strong></p>
  <section>
    <p style="text-align: center;"><strong>Environments</strong></p>
    {{ if .Environments }}
    <table>
      <tr><th>Pull</th><th>Title</th><th>Branch</th><th>Server</th><th>SHA</th><th>Status</th></tr>
      {{ range .Environments }}
      <tr>
        <td>#{{ .Number }}</td>
        <td>{{ .Title }}</td>
        <td>{{ .Ref }}</td>
        <td><a href="{{ .CheckURL }}">{{ .ServerName }}</a></td>
        <td><code>{{ .ShortSHA }}</code></td>
        <td>{{ if .Launched }}<span class="ready">ready</span>{{ else }}<span class="pending">launching</span>{{ end }}</td>
      </tr>
      {{ end }}
    </table>
    {{ else }}
    <p class="placeholder">No environments found.</p>
    {{ end }}
  </section>
  <section>
    <p>cycles: {{ .Status.Cycles }}{{ if .Status.LastCycleID }}, last {{ .Status.LastStartedAt.Format "2006-01-02 15:04:05" }} ({{ .Status.LastDuration }}){{ end }}</p>
    {{ range .Status.Errors }}<p class="pending">{{ . }}</p>{{ end }}
  </section>
</body>
</html>
`))
