/*
Package test runs the service against real postgres and kafka containers

ISPyB is replaced by a small fake, everything else is the production wiring.
*/
package test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/scaup/core/access"
	"github.com/relabs-tech/scaup/core/backend"
	"github.com/relabs-tech/scaup/core/client"
	"github.com/relabs-tech/scaup/core/csql"
	"github.com/relabs-tech/scaup/core/expeye"
	"github.com/relabs-tech/scaup/core/notifier"
	"github.com/relabs-tech/scaup/core/registry"
)

// Topic receives the shipment events of the suite
const Topic = "shipment_events_test"

// IntegrationTestSuite starts postgres, zookeeper and kafka once for all its tests
type IntegrationTestSuite struct {
	*backend.Backend
	suite.Suite

	Client    client.Client
	Expeye    *Expeye
	publisher *notifier.Kafka
	upstream  *httptest.Server

	dbConn            *csql.DB
	router            *mux.Router
	network           testcontainers.Network
	containers        []testcontainers.Container
	kafkaContainer    testcontainers.Container
	postgresContainer testcontainers.Container
	kafkaConn         *kafka.Conn
	KafkaAddr         string
	postgresAddr      string
	postgresUser      string
	postgresPassword  string
	postgresDB        string
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}

	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

// Reader returns a reader of Topic starting at the first message
func (s *IntegrationTestSuite) Reader() *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{s.KafkaAddr},
		Topic:       Topic,
		StartOffset: kafka.FirstOffset,
		MaxWait:     500 * time.Millisecond,
	})
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	// a shared network lets kafka reach zookeeper by name
	networkName := "scaup-test-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"postgres"}},
		WaitingFor:     wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC
	s.containers = append(s.containers, pgC)

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)
	s.postgresAddr = fmt.Sprintf("%s:%s", pgHost, pgPort.Port())
	s.postgresUser = postgresUser
	s.postgresPassword = postgresPassword
	s.postgresDB = postgresDB

	zooReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env: map[string]string{
			"ZOOKEEPER_CLIENT_PORT": "2181",
			"ZOOKEEPER_TICK_TIME":   "2000",
		},
		WaitingFor:     wait.ForListeningPort("2181/tcp"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
	}
	zooC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: zooReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.containers = append(s.containers, zooC)

	kafkaReq := testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
			"ALLOW_PLAINTEXT_LISTENER":               "yes",
		},
		WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"kafka"}},
	}
	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: kafkaReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC
	s.containers = append(s.containers, kafkaC)

	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.KafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())

	s.kafkaConn, err = kafka.Dial("tcp", s.KafkaAddr)
	s.Require().NoError(err)
	s.Require().NoError(s.createTopic(Topic, 1), "Failed to create topic")

	s.router = mux.NewRouter()
	s.dbConn = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), s.postgresUser, s.postgresDB), s.postgresPassword, "scaup")

	s.Expeye = NewExpeye()
	s.upstream = httptest.NewServer(s.Expeye)
	s.publisher, err = notifier.NewKafka([]string{s.KafkaAddr}, Topic)
	s.Require().NoError(err)

	reg := registry.New(s.dbConn)
	s.Backend = backend.New(&backend.Builder{
		DB:           s.dbConn,
		Router:       s.router,
		Expeye:       expeye.New(s.upstream.URL, "service-token", reg.Accessor("expeye")),
		Authorizer:   access.DummyAuth{},
		Publisher:    s.publisher,
		Registry:     reg,
		FrontendURL:  "https://scaup.example.com",
		UpdateSchema: true,
	})
	s.Client = client.NewWithRouter(s.router).WithToken("integration")
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.publisher != nil {
		s.Require().NoError(s.publisher.Close())
	}
	if s.upstream != nil {
		s.upstream.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.dbConn != nil {
		s.dbConn.Close()
	}
	// kafka first, it would keep complaining about the missing zookeeper
	for i := len(s.containers) - 1; i >= 0; i-- {
		s.Require().NoError(s.containers[i].Terminate(ctx))
	}
	if s.network != nil {
		s.Require().NoError(s.network.Remove(ctx))
	}
}

// Expeye is a minimal ISPyB fake: session cm12345-1 exists, every dewar code and protein is
// known, and created items get increasing ids
type Expeye struct {
	mu     sync.Mutex
	nextID int64
	// Writes are the non GET requests received, as "METHOD path"
	Writes []string
}

// NewExpeye returns an empty fake
func NewExpeye() *Expeye {
	return &Expeye{nextID: 5000}
}

var createdKeys = map[string]string{
	"shipments":  "shippingId",
	"dewars":     "dewarId",
	"containers": "containerId",
	"samples":    "blSampleId",
}

func (e *Expeye) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.Method != http.MethodGet {
		e.Writes = append(e.Writes, r.Method+" "+r.URL.Path)
	}
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	write := func(status int, body interface{}) {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}

	switch {
	case r.URL.Path == "/proposals/cm12345/sessions/1":
		write(http.StatusOK, map[string]interface{}{"sessionId": 27464088, "startDate": "2030-01-01T09:00:00"})
	case len(segments) == 4 && segments[2] == "dewar-registry":
		write(http.StatusOK, map[string]interface{}{"dewarRegistryId": 1, "facilityCode": segments[3]})
	case segments[0] == "proteins":
		id, _ := strconv.ParseInt(segments[1], 10, 64)
		write(http.StatusOK, map[string]interface{}{"proteinId": id, "name": "Protein 01"})
	case r.Method == http.MethodPost:
		e.nextID++
		write(http.StatusCreated, map[string]interface{}{createdKeys[segments[len(segments)-1]]: e.nextID})
	case r.Method == http.MethodPatch:
		id, _ := strconv.ParseInt(segments[1], 10, 64)
		write(http.StatusOK, map[string]interface{}{createdKeys[segments[0]]: id})
	default:
		write(http.StatusNotFound, map[string]interface{}{"detail": "not found"})
	}
}
