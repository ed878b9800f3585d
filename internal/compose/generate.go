package compose

import (
	"bytes"
	"fmt"
	"text/template"

	"gopkg.in/yaml.v3"

	"moodlectl/internal/environment"
	"moodlectl/internal/settings"
)

// Layout carries the host paths mounted into the stack.
type Layout struct {
	ProxyService string
	ProxyImage   string
	NginxConfD   string
	NginxSSLDir  string
	HtpasswdDir  string
	LogsDir      string
	MoodleDir    string // build context
	BaseDir      string
}

type Build struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile"`
}

type Healthcheck struct {
	Test        []string `yaml:"test"`
	Interval    string   `yaml:"interval"`
	Timeout     string   `yaml:"timeout"`
	Retries     int      `yaml:"retries"`
	StartPeriod string   `yaml:"start_period,omitempty"`
}

type Dependency struct {
	Condition string `yaml:"condition"`
}

type Service struct {
	Image         string                `yaml:"image,omitempty"`
	Build         *Build                `yaml:"build,omitempty"`
	ContainerName string                `yaml:"container_name"`
	Environment   []string              `yaml:"environment,omitempty"`
	Ports         []string              `yaml:"ports,omitempty"`
	Volumes       []string              `yaml:"volumes,omitempty"`
	Networks      []string              `yaml:"networks,omitempty"`
	DependsOn     map[string]Dependency `yaml:"depends_on,omitempty"`
	Restart       string                `yaml:"restart,omitempty"`
	Healthcheck   *Healthcheck          `yaml:"healthcheck,omitempty"`
}

type File struct {
	Services ordered `yaml:"services"`
	Networks ordered `yaml:"networks"`
	Volumes  ordered `yaml:"volumes"`
}

type entry struct {
	Key   string
	Value any
}

// ordered is a YAML mapping that keeps insertion order.
type ordered []entry

func (o ordered) MarshalYAML() (any, error) {
	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, e := range o {
		var v yaml.Node
		if err := v.Encode(e.Value); err != nil {
			return nil, fmt.Errorf("encode %s: %w", e.Key, err)
		}
		n.Content = append(n.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: e.Key}, &v)
	}
	return n, nil
}

// BuildFile assembles the compose model for both environments plus the proxy.
func BuildFile(s *settings.File, l Layout) File {
	var f File

	proxy := Service{
		Image:         l.ProxyImage,
		ContainerName: l.ProxyService,
		Volumes: []string{
			l.NginxConfD + ":/etc/nginx/conf.d:ro",
			l.NginxSSLDir + ":/etc/nginx/ssl:ro",
			l.HtpasswdDir + ":/etc/nginx/htpasswd:ro",
			l.LogsDir + "/nginx:/var/log/nginx",
		},
		Restart: "unless-stopped",
	}
	for _, env := range environment.All {
		for _, key := range []string{"HTTP_PORT", "HTTPS_PORT"} {
			if p := s.Env(env, key); p != "" {
				proxy.Ports = append(proxy.Ports, p+":"+p)
			}
		}
		proxy.Networks = append(proxy.Networks, env.String())
	}
	f.Services = append(f.Services, entry{l.ProxyService, proxy})

	for i, env := range environment.All {
		f.Services = append(f.Services,
			entry{env.DatabaseService(), mysqlService(env, l)},
			entry{env.ApplicationService(), moodleService(env, l, 8081+i)},
		)
		f.Networks = append(f.Networks, entry{env.String(), map[string]string{"name": env.String(), "driver": "bridge"}})
		for _, v := range env.Volumes() {
			f.Volumes = append(f.Volumes, entry{v, map[string]string{"name": v}})
		}
	}
	return f
}

func mysqlService(env environment.Name, l Layout) Service {
	p := env.Prefix()
	return Service{
		Image:         "mysql:8.0",
		ContainerName: env.DatabaseService(),
		Environment: []string{
			"MYSQL_ROOT_PASSWORD=${" + p + "_DB_ROOT_PASS}",
			"MYSQL_DATABASE=${" + p + "_DB_NAME}",
			"MYSQL_USER=${" + p + "_DB_USER}",
			"MYSQL_PASSWORD=${" + p + "_DB_PASS}",
		},
		Volumes: []string{
			"mysql_" + env.String() + ":/var/lib/mysql",
			l.LogsDir + "/" + env.String() + ":/var/log/mysql",
		},
		Networks: []string{env.String()},
		Restart:  "unless-stopped",
		Healthcheck: &Healthcheck{
			Test:     []string{"CMD", "mysqladmin", "ping", "-h", "localhost"},
			Interval: "10s",
			Timeout:  "5s",
			Retries:  5,
		},
	}
}

func moodleService(env environment.Name, l Layout, hostPort int) Service {
	p := env.Prefix()
	return Service{
		Build:         &Build{Context: l.MoodleDir, Dockerfile: "Dockerfile"},
		ContainerName: env.ApplicationService(),
		Environment: []string{
			"MOODLE_DATABASE_TYPE=mysqli",
			"MOODLE_DATABASE_HOST=" + env.DatabaseService(),
			"MOODLE_DATABASE_NAME=${" + p + "_DB_NAME}",
			"MOODLE_DATABASE_USER=${" + p + "_DB_USER}",
			"MOODLE_DATABASE_PASSWORD=${" + p + "_DB_PASS}",
			"MOODLE_URL=${" + p + "_URL}",
		},
		// loopback only: public traffic goes through the proxy
		Ports: []string{fmt.Sprintf("127.0.0.1:%d:80", hostPort)},
		Volumes: []string{
			"moodledata_" + env.String() + ":/var/moodledata",
			l.BaseDir + "/" + env.String() + "/www-moodledata:/var/www/moodledata",
			l.LogsDir + "/" + env.String() + ":/var/log/apache2",
		},
		Networks:  []string{env.String()},
		DependsOn: map[string]Dependency{env.DatabaseService(): {Condition: "service_healthy"}},
		Restart:   "unless-stopped",
		Healthcheck: &Healthcheck{
			Test:        []string{"CMD", "curl", "-f", "http://localhost/"},
			Interval:    "30s",
			Timeout:     "10s",
			Retries:     3,
			StartPeriod: "60s",
		},
	}
}

// Generate renders docker-compose.yml.
func Generate(s *settings.File, l Layout) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(BuildFile(s, l)); err != nil {
		return nil, fmt.Errorf("encode compose file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ServiceNames reads the service keys of an existing compose file in order.
func ServiceNames(data []byte) ([]string, error) {
	var doc struct {
		Services yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	var out []string
	for i := 0; i+1 < len(doc.Services.Content); i += 2 {
		out = append(out, doc.Services.Content[i].Value)
	}
	return out, nil
}

var dockerfileTpl = template.Must(template.New("Dockerfile").Parse(`FROM php:8.1-apache

RUN apt-get update && apt-get install -y \
    libpng-dev \
    libjpeg-dev \
    libfreetype6-dev \
    libxml2-dev \
    libzip-dev \
    libicu-dev \
    libldap2-dev \
    libpq-dev \
    ghostscript \
    curl \
    cron \
    git \
    unzip \
    && rm -rf /var/lib/apt/lists/*

RUN docker-php-ext-configure gd --with-freetype --with-jpeg \
    && docker-php-ext-install -j$(nproc) \
    gd \
    mysqli \
    pdo \
    pdo_mysql \
    opcache \
    intl \
    zip \
    soap \
    exif

RUN { \
    echo 'memory_limit = 256M'; \
    echo 'upload_max_filesize = 100M'; \
    echo 'post_max_size = 100M'; \
    echo 'max_execution_time = 300'; \
    echo 'max_input_vars = 5000'; \
    echo 'opcache.enable = 1'; \
    echo 'opcache.memory_consumption = 128'; \
    echo 'opcache.max_accelerated_files = 10000'; \
    echo 'opcache.revalidate_freq = 60'; \
} > /usr/local/etc/php/conf.d/moodle.ini

RUN a2enmod rewrite expires headers

COPY {{.Version}}/ /var/www/html/

RUN chown -R www-data:www-data /var/www && chmod 755 /var/www \
    && mkdir -p /var/moodledata \
    && chown -R www-data:www-data /var/moodledata \
    && chmod -R 770 /var/moodledata

EXPOSE 80

HEALTHCHECK --interval=30s --timeout=10s --start-period=60s --retries=3 \
    CMD curl -f http://localhost/ || exit 1

CMD ["apache2-foreground"]
`))

// Dockerfile renders the Moodle image build file; the source tree is expected
// at <build context>/<version>/.
func Dockerfile(version string) ([]byte, error) {
	if version == "" {
		return nil, fmt.Errorf("moodle version is required")
	}
	var buf bytes.Buffer
	if err := dockerfileTpl.Execute(&buf, struct{ Version string }{version}); err != nil {
		return nil, fmt.Errorf("render Dockerfile: %w", err)
	}
	return buf.Bytes(), nil
}
