package engine

import "sync"

// mergeWorker est une unique goroutine de longue durée qui vide une
// file bornée d'offsets de base range en attente de fusion. Pas de
// goroutine par requête ici : un seul worker par table, démarré par
// NewTable et arrêté par Table.Close.
type mergeWorker struct {
	table  *Table
	queue  chan int64
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newMergeWorker(t *Table) *mergeWorker {
	return &mergeWorker{
		table:  t,
		queue:  make(chan int64, 64),
		stopCh: make(chan struct{}),
	}
}

func (m *mergeWorker) start() {
	m.wg.Add(1)
	go m.run()
}

func (m *mergeWorker) stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// enqueue demande une fusion de baseOffset. Si une requête est déjà en
// attente au-delà de la capacité de la file, celle-ci est abandonnée
// silencieusement ; la prochaine mise à jour au-delà de TailMergeLimit
// réessaiera.
func (m *mergeWorker) enqueue(baseOffset int64) {
	select {
	case m.queue <- baseOffset:
	default:
	}
}

func (m *mergeWorker) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case offset := <-m.queue:
			_ = m.table.mergeBaseRange(offset)
		}
	}
}
