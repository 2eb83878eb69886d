// Package containers starts the Docker dependencies used by integration
// tests: MySQL and PostgreSQL alert stores, Redis, an Eclipse Mosquitto MQTT
// broker and an ntfy push server.
//
// Tests using this package carry the "integration" build tag:
//
//	//go:build integration
//
// and usually start one container per package from TestMain:
//
//	var pg *containers.PostgresContainer
//
//	func TestMain(m *testing.M) {
//	    var err error
//	    pg, err = containers.NewPostgresContainer(context.Background(), nil)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    code := m.Run()
//	    _ = pg.Terminate(context.Background())
//	    os.Exit(code)
//	}
package containers
