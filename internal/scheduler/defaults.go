package scheduler

import (
	"fmt"
	"strings"

	"github.com/ethank2222/TriniTeam/internal/model"
)

const reactApp = `import React from 'react';
import './App.css';

function App() {
  return (
    <div className="App">
      <header className="App-header">
        <h1>Welcome to React App</h1>
        <p>This is a basic React application.</p>
      </header>
    </div>
  );
}

export default App;`

const reactIndex = `import React from 'react';
import ReactDOM from 'react-dom/client';
import './index.css';
import App from './App';

const root = ReactDOM.createRoot(document.getElementById('root'));
root.render(
  <React.StrictMode>
    <App />
  </React.StrictMode>
);`

const indexHTML = `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>React App</title>
  </head>
  <body>
    <div id="root"></div>
  </body>
</html>`

const packageJSON = `{
  "name": "react-app",
  "version": "0.1.0",
  "private": true,
  "dependencies": {
    "react": "^18.2.0",
    "react-dom": "^18.2.0",
    "react-scripts": "5.0.1"
  },
  "scripts": {
    "start": "react-scripts start",
    "build": "react-scripts build",
    "test": "react-scripts test"
  }
}`

const flaskApp = `from flask import Flask, jsonify
from flask_cors import CORS

app = Flask(__name__)
CORS(app)

@app.route('/')
def home():
    return jsonify({"message": "Welcome to Flask API"})

@app.route('/api/health')
def health():
    return jsonify({"status": "healthy"})

if __name__ == '__main__':
    app.run(host='0.0.0.0', port=5000)`

const requirementsTxt = `flask==2.3.3
flask-cors==4.0.0
python-dotenv==1.0.0`

const dockerfile = `FROM python:3.11-slim

WORKDIR /app

COPY requirements.txt .
RUN pip install -r requirements.txt

COPY . .

EXPOSE 5000

CMD ["python", "app.py"]`

const dockerCompose = `version: '3.8'
services:
  app:
    build: .
    ports:
      - "5000:5000"
    environment:
      - FLASK_ENV=development
    volumes:
      - .:/app`

const readmeTemplate = `# %s

Starter project structure.

## Frontend
- React application in ` + "`src/`" + `
- HTML template in ` + "`public/`" + `

## Backend
- Flask API in ` + "`app.py`" + `
- Dependencies in ` + "`requirements.txt`" + `

## Running

` + "```bash" + `
pip install -r requirements.txt
python app.py
` + "```" + `

With Docker:

` + "```bash" + `
docker-compose up --build
` + "```" + `
`

var (
	frontendArtifacts = []model.Artifact{
		{Name: "src/App.jsx", Content: reactApp},
		{Name: "src/index.js", Content: reactIndex},
		{Name: "public/index.html", Content: indexHTML},
		{Name: "package.json", Content: packageJSON},
	}
	backendArtifacts = []model.Artifact{
		{Name: "app.py", Content: flaskApp},
		{Name: "requirements.txt", Content: requirementsTxt},
	}
	devopsArtifacts = []model.Artifact{
		{Name: "Dockerfile", Content: dockerfile},
		{Name: "docker-compose.yml", Content: dockerCompose},
	}
)

// starterRule picks a starter set for a worker that finished without files
type starterRule struct {
	keywords  []string
	artifacts []model.Artifact
}

var starterRules = []starterRule{
	{keywords: []string{"frontend", "react", "ui", "interface", "component"}, artifacts: frontendArtifacts},
	{keywords: []string{"backend", "api", "server", "flask", "python"}, artifacts: backendArtifacts},
	{keywords: []string{"docker", "deployment", "devops", "infrastructure"}, artifacts: devopsArtifacts},
}

// StarterArtifacts returns the files synthesised for a completed worker task
// that produced none, chosen by keywords in the task description.
func StarterArtifacts(description string) []model.Artifact {
	lower := strings.ToLower(description)
	for _, rule := range starterRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return cloneArtifacts(rule.artifacts)
			}
		}
	}
	return cloneArtifacts(append(append([]model.Artifact{}, backendArtifacts...), frontendArtifacts[0], frontendArtifacts[3]))
}

// DefaultArtifacts returns the full starter project written when a project
// stops without any files.
func DefaultArtifacts(projectName string) []model.Artifact {
	var all []model.Artifact
	all = append(all, frontendArtifacts...)
	all = append(all, backendArtifacts...)
	all = append(all, devopsArtifacts...)
	all = append(all, model.Artifact{Name: "README.md", Content: fmt.Sprintf(readmeTemplate, readmeTitle(projectName))})
	return cloneArtifacts(all)
}

func readmeTitle(name string) string {
	name = strings.TrimSpace(strings.SplitN(name, "\n", 2)[0])
	if len(name) > 80 {
		name = name[:80]
	}
	if name == "" {
		return "Project"
	}
	return "Project: " + name
}

func cloneArtifacts(in []model.Artifact) []model.Artifact {
	return append([]model.Artifact(nil), in...)
}
