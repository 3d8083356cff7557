package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cwlops/confrun/cmd/confrun/pipeline"
	"github.com/cwlops/confrun/pkg/configs"
	kpool "github.com/cwlops/confrun/pkg/conn/db/postgres/pool"
	"github.com/cwlops/confrun/pkg/domain"
	"github.com/cwlops/confrun/pkg/registry"
	"github.com/cwlops/confrun/pkg/registry/mem"
	"github.com/cwlops/confrun/pkg/registry/postgres"
	"github.com/cwlops/confrun/pkg/utils/kubeutil"
	k8s "github.com/cwlops/confrun/pkg/workloads/k8s"
	"github.com/cwlops/confrun/pkg/workloads/runner"
	"github.com/cwlops/confrun/pkg/workloads/volumes"
	"sigs.k8s.io/yaml"
)

func main() {
	configPath := flag.String("config", "", "confrun config file")
	versions := flag.String("version", "", "comma-separated suite versions to run. default = all configured suites")
	dryrun := flag.Bool("dry-run", false, "print invocation Jobs as YAML and quit")
	flag.Parse()

	conf, err := configs.Load(*configPath)
	if err != nil {
		log.Fatalf("can not read configuration: %s", err)
	}

	suites, err := selectSuites(conf, *versions)
	if err != nil {
		log.Fatal(err)
	}

	if *dryrun {
		if err := printJobs(conf, suites); err != nil {
			log.Fatal(err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	clientset := kubeutil.ConnectToK8s()
	cluster := k8s.AttachCluster(
		k8s.WrapK8sClient(clientset),
		conf.Cluster().Namespace(), conf.Cluster().Domain(),
	)

	var reg registry.Registry
	if rc := conf.Registry(); rc != nil {
		pool, err := kpool.Connect(ctx, rc.Database())
		if err != nil {
			log.Fatalf("can not connect to the run database: %s", err)
		}
		pg := postgres.New(pool)
		if err := pg.Init(ctx); err != nil {
			log.Fatalf("can not prepare the run database: %s", err)
		}
		reg = pg
	} else {
		log.Println("no run database configured. records are kept in memory only.")
		reg = mem.New()
	}
	defer reg.Close()

	p := pipeline.Pipeline{
		Cluster:  cluster,
		Conf:     conf,
		Registry: reg,
		Interval: 10 * time.Second,
	}
	runs, errs := p.RunAll(ctx, suites)

	failed := len(errs)
	for _, err := range errs {
		log.Printf("error: %s", err)
	}
	for _, suite := range suites {
		run, ok := runs[suite.Version()]
		if !ok {
			continue
		}
		verdict := "conformant"
		if run.Result == nil || !run.Result.Ok() {
			verdict = "NOT conformant"
			failed++
		}
		log.Printf(
			"suite %s: %s (run %s, %d invocation(s))",
			suite.Version(), verdict, run.Id, run.Attempts,
		)
	}
	if 0 < failed {
		os.Exit(1)
	}
}

func selectSuites(conf *configs.Config, versions string) ([]configs.SuiteConfig, error) {
	if versions == "" {
		return conf.Suites(), nil
	}

	suites := []configs.SuiteConfig{}
	for _, v := range strings.Split(versions, ",") {
		v = strings.TrimSpace(v)
		suite, ok := conf.Suite(v)
		if !ok {
			return nil, fmt.Errorf("suite version %s is not configured", v)
		}
		suites = append(suites, suite)
	}
	return suites, nil
}

// printJobs renders the Job each suite would submit, without touching
// the cluster.
func printJobs(conf *configs.Config, suites []configs.SuiteConfig) error {
	for _, suite := range suites {
		version := suite.Version()
		run := &domain.Run{
			RunBody: domain.RunBody{
				Id:      registry.NewRunId(version, time.Now()),
				Version: version,
				Status:  domain.Running,
			},
			Spec: suite.RunSpec(),
		}
		mounts := volumes.Provisioned{
			InputClaim:  conf.Volumes().Input().ClaimName(),
			OutputClaim: volumes.SafeName(conf.Volumes().Output().ClaimFor(version)),
		}

		ex, err := runner.New(run, mounts)
		if err != nil {
			return fmt.Errorf("suite %s: %w", version, err)
		}
		rendered, err := yaml.Marshal(ex.Build(conf))
		if err != nil {
			return fmt.Errorf("suite %s: %w", version, err)
		}
		fmt.Printf("---\n%s", rendered)
	}
	return nil
}
