package web

// uiShell is the static shell the mesh dashboard hydrates. Its contents are
// owned by the dashboard build; the node only injects whether this host can
// mint join configs.
const uiShell = `<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>junkNAS mesh</title>
</head>
<body data-can-mint="%s">
  <div id="app">
    <noscript>The mesh dashboard needs JavaScript.</noscript>
  </div>
  <script src="/static/mesh.js" defer></script>
</body>
</html>
`
