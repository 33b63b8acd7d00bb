// Exemple d'utilisation de lstore.
// Démontre INSERT, SELECT, UPDATE, SUM, DELETE et INCREMENT.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/colstore/lstore/api"
	"github.com/colstore/lstore/engine"
)

func main() {
	const dbPath = "example.lstore"
	defer os.RemoveAll(dbPath)

	db, err := api.Open(dbPath, engine.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Println("=== lstore — exemple d'utilisation ===")
	fmt.Println()

	// Colonnes : 0=id (clé), 1=type, 2=retries
	jobs, err := db.CreateTable("jobs", 3, 0)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("--- INSERT ---")
	rows := [][3]int64{
		{1, 100, 5},
		{2, 200, 2},
		{3, 100, 0},
		{4, 300, 8},
	}
	for _, r := range rows {
		if err := jobs.Insert(r[0], r[1], r[2]); err != nil {
			log.Fatalf("insert: %v", err)
		}
	}
	fmt.Printf("  %d lignes insérées\n\n", len(rows))

	fmt.Println("--- SELECT id=3 ---")
	printRows(jobs, 3)

	fmt.Println("--- UPDATE retries of id=3 to 9 ---")
	nine := int64(9)
	if err := jobs.Update(3, []*int64{nil, nil, &nine}); err != nil {
		log.Fatalf("update: %v", err)
	}
	printRows(jobs, 3)

	fmt.Println("--- SUM(retries) for id in [1,4] ---")
	total, err := jobs.Sum(1, 4, 2)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("  total = %d\n\n", total)

	fmt.Println("--- DELETE id=2 ---")
	if err := jobs.Delete(2); err != nil {
		log.Fatalf("delete: %v", err)
	}
	printRows(jobs, 2)

	fmt.Println("--- INCREMENT retries of id=4 three times ---")
	for i := 0; i < 3; i++ {
		if err := jobs.Increment(4, 2); err != nil {
			log.Fatalf("increment: %v", err)
		}
	}
	printRows(jobs, 4)
}

func printRows(q *engine.Query, key int64) {
	rows, err := q.Select(key, 0, nil)
	if err != nil {
		log.Fatalf("select: %v", err)
	}
	if len(rows) == 0 {
		fmt.Println("  (no rows)")
	}
	for _, r := range rows {
		fmt.Printf("  %v\n", r.Columns)
	}
	fmt.Println()
}
